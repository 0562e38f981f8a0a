// Package node defines the concept of a conduit node
// by bootstrapping and injecting all necessary
// dependencies.
package node

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/conduitnet/conduit/pkg/api"
	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/channelstore"
	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/events"
	"github.com/conduitnet/conduit/pkg/lock"
	lockmemory "github.com/conduitnet/conduit/pkg/lock/memory"
	lockredis "github.com/conduitnet/conduit/pkg/lock/redis"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/messaging"
	"github.com/conduitnet/conduit/pkg/router"
)

// Conduit is a running node. All long lived components hang off it so that
// Shutdown can stop them in dependency order.
type Conduit struct {
	apiCloser        io.Closer
	apiServer        *http.Server
	errorLogWriter   *io.PipeWriter
	messagingCloser  io.Closer
	forwarderCloser  io.Closer
	stateStoreCloser io.Closer
	busCloser        io.Closer
	ethClientCloser  func()
	redisCloser      io.Closer
}

type Options struct {
	DataDir            string
	APIAddr            string
	CORSAllowedOrigins []string

	NATSEndpoint string

	ChainEndpoint string
	ChainID       int64

	RedisEndpoint string
	LockExpiry    time.Duration

	EnableForwarding    bool
	RouterFee           *big.Int
	SafetyMargin        time.Duration
	RetryAttempts       int
	CancelUnforwardable bool
	CollateralProfiles  map[common.Address]router.CollateralProfile

	WsPingPeriod time.Duration
}

// NewConduit wires the node together and starts serving. identity is the
// account the signer controls; it is this node's address in every channel.
func NewConduit(identity common.Address, signer crypto.Signer, logger logging.Logger, o Options) (c *Conduit, err error) {
	c = &Conduit{
		errorLogWriter: logger.WriterLevel(logrus.ErrorLevel),
	}
	defer func() {
		// partially constructed nodes must not leak components
		if err != nil {
			_ = c.shutdown(context.Background())
		}
	}()

	stateStore, err := InitStateStore(logger, o.DataDir)
	if err != nil {
		return nil, err
	}
	c.stateStoreCloser = stateStore

	if err := CheckIdentityWithStore(identity, stateStore); err != nil {
		return nil, err
	}

	var locks lock.Service
	if o.RedisEndpoint != "" {
		expiry := o.LockExpiry
		if expiry == 0 {
			expiry = 30 * time.Second
		}
		client := goredislib.NewClient(&goredislib.Options{Addr: o.RedisEndpoint})
		c.redisCloser = client
		locks = lockredis.New(client, expiry)
		logger.Infof("using redis channel locks at %s", o.RedisEndpoint)
	} else {
		locks = lockmemory.New()
	}

	clock := events.SystemClock()
	bus := events.NewBus(clock)
	c.busCloser = bus

	contractService, ethCloser, err := InitChain(context.Background(), logger, stateStore, signer, o.ChainEndpoint, o.ChainID)
	if err != nil {
		return nil, fmt.Errorf("init chain: %w", err)
	}
	c.ethClientCloser = ethCloser

	registry := transfer.NewRegistry(transfer.NewHashlock(), transfer.NewLinked())

	channelService := channel.New(logger, signer, identity, channelstore.New(stateStore), locks, registry, contractService, contractService, bus, clock)

	messenger, err := messaging.NewNATSService(logger, o.NATSEndpoint, identity)
	if err != nil {
		return nil, fmt.Errorf("messaging service: %w", err)
	}
	c.messagingCloser = messenger
	channelService.SetMessenger(messenger)
	if err := messenger.Listen(channelService); err != nil {
		return nil, fmt.Errorf("messaging listener: %w", err)
	}

	var (
		collateralManager *router.CollateralManager
		forwarder         *router.Service
	)
	if o.EnableForwarding {
		collateralManager = router.NewCollateralManager(logger, channelService, contractService, o.CollateralProfiles)
		forwarder = router.New(logger, channelService, collateralManager, stateStore, bus, clock, router.Options{
			Fee:                 o.RouterFee,
			SafetyMargin:        o.SafetyMargin,
			RetryAttempts:       o.RetryAttempts,
			CancelUnforwardable: o.CancelUnforwardable,
		})
		forwarder.Start()
		c.forwarderCloser = forwarder
		logger.Info("forwarding enabled")
	}

	if o.APIAddr != "" {
		apiService := api.New(logger, channelService, collateralManager, forwarder, bus, api.Options{
			CORSAllowedOrigins: o.CORSAllowedOrigins,
			WsPingPeriod:       o.WsPingPeriod,
		})
		apiListener, err := net.Listen("tcp", o.APIAddr)
		if err != nil {
			return nil, fmt.Errorf("api listener: %w", err)
		}

		apiServer := &http.Server{
			IdleTimeout:       30 * time.Second,
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           apiService,
			ErrorLog:          log.New(c.errorLogWriter, "", 0),
		}

		go func() {
			logger.Infof("api address: %s", apiListener.Addr())

			if err := apiServer.Serve(apiListener); err != nil && err != http.ErrServerClosed {
				logger.Debugf("api server: %v", err)
				logger.Error("unable to serve api")
			}
		}()

		c.apiServer = apiServer
		c.apiCloser = apiService
	}

	logger.Infof("conduit identity: %s", identity.Hex())

	return c, nil
}

// Shutdown stops the node. It is safe to call on a partially constructed
// node.
func (c *Conduit) Shutdown(ctx context.Context) error {
	return c.shutdown(ctx)
}

func (c *Conduit) shutdown(ctx context.Context) error {
	errs := new(multiError)

	if c.apiCloser != nil {
		if err := c.apiCloser.Close(); err != nil {
			errs.add(fmt.Errorf("api: %w", err))
		}
	}

	var eg errgroup.Group
	if c.apiServer != nil {
		eg.Go(func() error {
			if err := c.apiServer.Shutdown(ctx); err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		errs.add(err)
	}

	if c.forwarderCloser != nil {
		if err := c.forwarderCloser.Close(); err != nil {
			errs.add(fmt.Errorf("forwarder: %w", err))
		}
	}

	if c.messagingCloser != nil {
		if err := c.messagingCloser.Close(); err != nil {
			errs.add(fmt.Errorf("messaging: %w", err))
		}
	}

	if c.busCloser != nil {
		if err := c.busCloser.Close(); err != nil {
			errs.add(fmt.Errorf("event bus: %w", err))
		}
	}

	if cl := c.ethClientCloser; cl != nil {
		cl()
	}

	if c.redisCloser != nil {
		if err := c.redisCloser.Close(); err != nil {
			errs.add(fmt.Errorf("redis client: %w", err))
		}
	}

	if c.stateStoreCloser != nil {
		if err := c.stateStoreCloser.Close(); err != nil {
			errs.add(fmt.Errorf("statestore: %w", err))
		}
	}

	if c.errorLogWriter != nil {
		if err := c.errorLogWriter.Close(); err != nil {
			errs.add(fmt.Errorf("error log writer: %w", err))
		}
	}

	if errs.hasErrors() {
		return errs
	}

	return nil
}

type multiError struct {
	errors []error
}

func (e *multiError) Error() string {
	if len(e.errors) == 0 {
		return ""
	}
	s := e.errors[0].Error()
	for _, err := range e.errors[1:] {
		s += "; " + err.Error()
	}
	return s
}

func (e *multiError) add(err error) {
	e.errors = append(e.errors, err)
}

func (e *multiError) hasErrors() bool {
	return len(e.errors) > 0
}
