// Package api provides the node-facing HTTP API of the conduit node. Every
// operation returns an explicit success payload or a typed
// {code, message, context} failure; nothing surfaces as an unhandled error.
package api

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/events"
	"github.com/conduitnet/conduit/pkg/jsonhttp"
	"github.com/conduitnet/conduit/pkg/lock"
	"github.com/conduitnet/conduit/pkg/logging"
	m "github.com/conduitnet/conduit/pkg/metrics"
	"github.com/conduitnet/conduit/pkg/router"
	"github.com/conduitnet/conduit/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Service is the API service interface.
type Service interface {
	http.Handler
	m.Collector
	io.Closer
}

type server struct {
	logger     logging.Logger
	channels   *channel.Service
	collateral *router.CollateralManager
	forwarding *router.Service
	bus        *events.Bus
	Options
	http.Handler
	metrics metrics

	wsWg sync.WaitGroup // wait for all websockets to close on exit
	quit chan struct{}
}

// Options are the static API configuration.
type Options struct {
	CORSAllowedOrigins []string
	WsPingPeriod       time.Duration
}

// New creates the API http.Handler.
func New(logger logging.Logger, channels *channel.Service, collateral *router.CollateralManager, forwarding *router.Service, bus *events.Bus, o Options) Service {
	if o.WsPingPeriod == 0 {
		o.WsPingPeriod = 60 * time.Second
	}
	s := &server{
		logger:     logger,
		channels:   channels,
		collateral: collateral,
		forwarding: forwarding,
		bus:        bus,
		Options:    o,
		metrics:    newMetrics(),
		quit:       make(chan struct{}),
	}
	s.setupRouting()
	return s
}

// Close waits for open websocket connections to drain.
func (s *server) Close() error {
	s.logger.Infof("api shutting down")
	close(s.quit)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsWg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return errors.New("api shutting down with open websockets")
	}
	return nil
}

// respondError maps a channel layer error onto the HTTP failure envelope.
func (s *server) respondError(w http.ResponseWriter, err error) {
	code := channel.CodeFor(err)
	switch {
	case errors.Is(err, channel.ErrChannelNotFound), errors.Is(err, channel.ErrTransferNotFound), errors.Is(err, storage.ErrNotFound):
		jsonhttp.Failure(w, http.StatusNotFound, code, err.Error(), nil)
	case errors.Is(err, channel.ErrNonceMismatch), errors.Is(err, channel.ErrStaleChannel), errors.Is(err, channel.ErrChannelDisputed):
		jsonhttp.Failure(w, http.StatusConflict, code, err.Error(), nil)
	case errors.Is(err, channel.ErrInvalidSignature), errors.Is(err, channel.ErrTransitionRejected), errors.Is(err, channel.ErrResolverInvalid), errors.Is(err, channel.ErrNotDisputable):
		jsonhttp.Failure(w, http.StatusBadRequest, code, err.Error(), nil)
	case errors.Is(err, lock.ErrTimeout):
		jsonhttp.Failure(w, http.StatusServiceUnavailable, channel.CodeLockTimeout, err.Error(), nil)
	case errors.Is(err, router.ErrInsufficientCollateral):
		jsonhttp.Failure(w, http.StatusUnprocessableEntity, channel.CodeInsufficientCollateral, err.Error(), nil)
	case errors.Is(err, router.ErrNoRoute), errors.Is(err, router.ErrNotForwardable), errors.Is(err, router.ErrExpiryTooTight):
		jsonhttp.Failure(w, http.StatusUnprocessableEntity, channel.CodeForwardingFailure, err.Error(), nil)
	default:
		s.logger.Errorf("api: internal error: %v", err)
		jsonhttp.Failure(w, http.StatusInternalServerError, channel.CodeInternal, "internal error", nil)
	}
}

// parseAddress reads a 0x hex address path variable.
func parseAddress(value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, errors.New("invalid address")
	}
	return common.HexToAddress(value), nil
}

// parseHash reads a 0x hex 32 byte path variable.
func parseHash(value string) (common.Hash, error) {
	b, err := hexutil.Decode(value)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("invalid hash length")
	}
	return common.BytesToHash(b), nil
}
