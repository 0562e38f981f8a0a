// Package router forwards routed payments across the node's channels. For a
// payment with a routing id, the inbound leg (locked towards this node) is
// mirrored by an outbound leg (locked towards the recipient) with
// fee-adjusted amount and tightened expiry, and resolutions propagate from
// one leg to the other. The engine maintains that both legs are always either
// active together or settled together; the only tolerated exception is the
// router's own collateral absorbing a loss on expiry.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/events"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/atomic"
)

var (
	// ErrNoRoute is returned when no channel towards the recipient exists.
	ErrNoRoute = errors.New("router: no channel to recipient")
	// ErrInsufficientCollateral is returned when the outbound channel
	// cannot be collateralized up to the forwarded amount.
	ErrInsufficientCollateral = errors.New("router: insufficient collateral")
	// ErrExpiryTooTight is returned when the inbound expiry leaves no room
	// for the outbound safety margin.
	ErrExpiryTooTight = errors.New("router: inbound expiry too tight to forward")
	// ErrNotForwardable is returned when the inbound amount does not cover
	// the routing fee.
	ErrNotForwardable = errors.New("router: amount does not cover routing fee")
)

const (
	defaultSafetyMargin  = 20 * time.Second
	defaultRetryAttempts = 5
	defaultRetryBackoff  = time.Second
	defaultSweepInterval = 30 * time.Second
)

// Options configures the forwarding engine.
type Options struct {
	// Fee is the flat routing fee retained per forwarded payment, in the
	// payment's asset. Nil means no fee.
	Fee *big.Int
	// SafetyMargin is how much earlier the outbound leg expires relative
	// to the inbound leg, leaving the router time to collect inbound after
	// paying out.
	SafetyMargin time.Duration
	// RetryAttempts bounds mirror retries, additionally capped by the
	// remaining time until the relevant expiry.
	RetryAttempts int
	// RetryBackoff is the initial retry delay, doubled per attempt.
	RetryBackoff time.Duration
	// CancelUnforwardable makes the engine cancel the inbound leg when it
	// cannot create the outbound one. When false the inbound leg is left
	// to expire.
	CancelUnforwardable bool
	// SweepInterval is how often the engine scans for routed legs whose
	// expiry has passed without a resolution.
	SweepInterval time.Duration
}

// Service is the forwarding engine.
type Service struct {
	logger     logging.Logger
	metrics    metrics
	channels   *channel.Service
	collateral *CollateralManager
	store      storage.StateStorer
	bus        *events.Bus
	clock      events.Clock
	identity   common.Address
	opts       Options

	inflight atomic.Int64

	cancels []func()
	quit    chan struct{}
}

// New constructs the router over an existing channel service.
func New(logger logging.Logger, channels *channel.Service, collateral *CollateralManager, store storage.StateStorer, bus *events.Bus, clock events.Clock, opts Options) *Service {
	if clock == nil {
		clock = events.SystemClock()
	}
	if opts.SafetyMargin == 0 {
		opts.SafetyMargin = defaultSafetyMargin
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return &Service{
		logger:     logger,
		metrics:    newMetrics(),
		channels:   channels,
		collateral: collateral,
		store:      store,
		bus:        bus,
		clock:      clock,
		identity:   channels.Identity(),
		opts:       opts,
		quit:       make(chan struct{}),
	}
}

// Start subscribes the engine to channel events, replays the persisted
// forwarding failures of a previous run, and starts the expiry sweeper.
func (s *Service) Start() {
	s.cancels = append(s.cancels,
		s.bus.On(channel.TopicTransferCreated, func(ev events.Event) {
			p := ev.Payload.(channel.TransferCreatedEvent)
			s.onTransferCreated(p.Transfer)
		}),
		s.bus.On(channel.TopicTransferResolved, func(ev events.Event) {
			p := ev.Payload.(channel.TransferResolvedEvent)
			s.onTransferResolved(p.Transfer, p.Resolver)
		}),
	)
	go s.recoverFailures(context.Background())
	go s.sweepLoop()
}

// Close unsubscribes and stops pending retries.
func (s *Service) Close() error {
	close(s.quit)
	for _, cancel := range s.cancels {
		cancel()
	}
	return nil
}

// onTransferCreated forwards an unseen routed inbound transfer to the
// recipient's channel.
func (s *Service) onTransferCreated(in *transfer.Transfer) {
	if in.Meta.RoutingID == (common.Hash{}) {
		return
	}
	// Only inbound legs are forwarded. The outbound leg this node created
	// produces the same event on the other channel.
	if in.Responder != s.identity {
		return
	}
	if in.Meta.Recipient == s.identity || in.Meta.Recipient == (common.Address{}) {
		return
	}

	s.inflight.Inc()
	defer s.inflight.Dec()

	ctx := context.Background()
	if err := s.forward(ctx, in); err != nil {
		s.logger.Errorf("router: forwarding payment %s failed: %v", in.Meta.RoutingID, err)
		s.recordFailure(in, err)
		s.unwindInbound(ctx, in, err)
		return
	}
	s.clearFailure(in.Meta.RoutingID, in.ID)
}

func (s *Service) forward(ctx context.Context, in *transfer.Transfer) error {
	outboundState, err := s.channels.GetChannelByParticipant(in.Meta.Recipient)
	if err != nil {
		if errors.Is(err, channel.ErrChannelNotFound) {
			return fmt.Errorf("%w: %s", ErrNoRoute, in.Meta.Recipient)
		}
		return err
	}

	amount := new(big.Int).Set(in.Amount)
	if s.opts.Fee != nil {
		amount.Sub(amount, s.opts.Fee)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount %s, fee %s", ErrNotForwardable, in.Amount, s.opts.Fee)
	}

	var expiry uint64
	if in.Expiry != 0 {
		margin := uint64(s.opts.SafetyMargin / time.Second)
		if in.Expiry <= uint64(s.clock.Now().Unix())+margin {
			return fmt.Errorf("%w: inbound expires at %d", ErrExpiryTooTight, in.Expiry)
		}
		expiry = in.Expiry - margin
	}

	return s.channels.WithChannelsLocked(ctx, []common.Address{in.ChannelAddress, outboundState.ChannelAddress}, func(ctx context.Context) error {
		// Another event delivery may have forwarded this payment
		// already; the routing id index is the source of truth.
		legs, err := s.channels.GetTransfersByRoutingID(in.Meta.RoutingID)
		if err != nil {
			return err
		}
		for _, leg := range legs {
			if leg.Initiator == s.identity {
				return nil
			}
		}

		if err := s.collateral.Ensure(ctx, outboundState.ChannelAddress, in.AssetID, amount); err != nil {
			return err
		}

		err = s.withRetry(ctx, in.Expiry, "create outbound leg", func(ctx context.Context) error {
			_, _, err := s.channels.ProposeTransferCreate(ctx, channel.CreateRequest{
				ChannelAddress: outboundState.ChannelAddress,
				AssetID:        in.AssetID,
				Amount:         amount,
				Definition:     in.Definition,
				InitialState:   in.InitialState,
				Expiry:         expiry,
				Meta:           in.Meta,
			})
			return err
		})
		if err != nil {
			return err
		}

		s.metrics.PaymentsForwarded.Inc()
		s.logger.Debugf("router: forwarded payment %s to %s, amount %s, expiry %d", in.Meta.RoutingID, in.Meta.Recipient, amount, expiry)
		return nil
	})
}

// onTransferResolved mirrors a leg's resolution onto the other leg of the
// routed payment.
func (s *Service) onTransferResolved(resolved *transfer.Transfer, resolver []byte) {
	if resolved.Meta.RoutingID == (common.Hash{}) {
		return
	}

	s.inflight.Inc()
	defer s.inflight.Dec()

	ctx := context.Background()
	legs, err := s.channels.GetTransfersByRoutingID(resolved.Meta.RoutingID)
	if err != nil {
		s.logger.Errorf("router: lookup legs of %s: %v", resolved.Meta.RoutingID, err)
		return
	}
	var other *transfer.Transfer
	for _, leg := range legs {
		if leg.ID != resolved.ID && leg.Active() {
			other = leg
		}
	}
	if other == nil {
		return
	}
	// Only this node may resolve the other leg: it is the responder of the
	// inbound leg and the initiator of the outbound one, and resolution is
	// proposed by the party collecting it.
	if !s.participates(other) {
		return
	}

	err = s.withRetry(ctx, other.Expiry, "mirror resolve", func(ctx context.Context) error {
		_, _, err := s.channels.ProposeTransferResolve(ctx, other.ChannelAddress, other.ID, resolver)
		if errors.Is(err, channel.ErrTransferNotFound) {
			// Already resolved, nothing left to mirror.
			return nil
		}
		return err
	})
	if err != nil {
		s.logger.Errorf("router: mirroring resolution of payment %s failed: %v", resolved.Meta.RoutingID, err)
		s.recordFailure(other, err)
		s.escalate(ctx, other)
		return
	}
	s.metrics.ResolutionsMirrored.Inc()
	s.clearFailure(resolved.Meta.RoutingID, other.ID)
}

func (s *Service) participates(t *transfer.Transfer) bool {
	return t.Initiator == s.identity || t.Responder == s.identity
}

// unwindInbound applies the configured policy to an inbound leg that could
// not be forwarded: cancel it explicitly, or leave it to the expiry sweeper.
func (s *Service) unwindInbound(ctx context.Context, in *transfer.Transfer, cause error) {
	if !s.opts.CancelUnforwardable {
		s.logger.Warningf("router: leaving inbound leg %s of payment %s to expire: %v", in.ID, in.Meta.RoutingID, cause)
		return
	}
	s.cancelLeg(ctx, in)
}

// cancelLeg resolves a leg with the cancellation resolver, folding the locked
// amount back to its initiator. Cancelling a settled leg is a no-op.
func (s *Service) cancelLeg(ctx context.Context, leg *transfer.Transfer) {
	_, _, err := s.channels.ProposeTransferResolve(ctx, leg.ChannelAddress, leg.ID, transfer.CancelResolver())
	if errors.Is(err, channel.ErrTransferNotFound) {
		return
	}
	if err != nil {
		s.logger.Errorf("router: cancelling leg %s of payment %s: %v", leg.ID, leg.Meta.RoutingID, err)
		s.recordFailure(leg, err)
		return
	}
	s.metrics.PaymentsCancelled.Inc()
	s.clearFailure(leg.Meta.RoutingID, leg.ID)
	s.logger.Debugf("router: cancelled leg %s of payment %s", leg.ID, leg.Meta.RoutingID)
}

// escalate opens an on-chain dispute on the channel of a leg whose
// counterparty stopped cooperating before expiry ran out.
func (s *Service) escalate(ctx context.Context, leg *transfer.Transfer) {
	if leg.Expiry != 0 && leg.Expiry <= uint64(s.clock.Now().Unix()) {
		// The leg expired, the locked amount falls back on resolution
		// or defund. Nothing to enforce on-chain right now.
		return
	}
	if _, err := s.channels.SubmitDispute(ctx, leg.ChannelAddress); err != nil {
		s.logger.Errorf("router: disputing channel %s: %v", leg.ChannelAddress, err)
	}
}

func (s *Service) sweepLoop() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.clock.After(s.opts.SweepInterval):
		}
		s.sweepExpired(context.Background())
	}
}

// sweepExpired cancels routed legs whose expiry passed without a resolution.
// Cancelling this node's outbound leg reclaims the forwarded amount and the
// resolution mirror unwinds the inbound leg, so net exposure returns to zero.
// An expired inbound leg is refunded directly once no outbound leg of the
// payment is left active.
func (s *Service) sweepExpired(ctx context.Context) {
	addresses, err := s.channels.ListChannelAddresses()
	if err != nil {
		s.logger.Errorf("router: expiry sweep: %v", err)
		return
	}
	now := s.clock.Now()
	for _, address := range addresses {
		active, err := s.channels.GetActiveTransfers(address)
		if err != nil {
			s.logger.Errorf("router: expiry sweep on channel %s: %v", address, err)
			continue
		}
		for _, leg := range active {
			if leg.Meta.RoutingID == (common.Hash{}) {
				continue
			}
			def, err := s.channels.Registry().Get(leg.Definition)
			if err != nil || !def.Expired(leg, now) {
				continue
			}
			switch s.identity {
			case leg.Initiator:
				s.metrics.LegsExpired.Inc()
				s.cancelLeg(ctx, leg)
			case leg.Responder:
				// A live outbound leg could still be resolved against
				// this node, the inbound refund has to wait for it.
				legs, err := s.channels.GetTransfersByRoutingID(leg.Meta.RoutingID)
				if err != nil {
					s.logger.Errorf("router: expiry sweep, legs of %s: %v", leg.Meta.RoutingID, err)
					continue
				}
				settled := true
				for _, other := range legs {
					if other.ID != leg.ID && other.Initiator == s.identity && other.Active() {
						settled = false
					}
				}
				if settled {
					s.metrics.LegsExpired.Inc()
					s.cancelLeg(ctx, leg)
				}
			}
		}
	}
}

// recoverFailures reconciles the forwarding failures persisted by a previous
// run. Channel events are not replayed across restarts, so the legs behind a
// failure record are picked up from the store: settled legs clear their
// record, inbound legs missing their outbound counterpart are forwarded
// again, everything else is left to the resolution mirror and the sweeper.
func (s *Service) recoverFailures(ctx context.Context) {
	failures, err := s.Failures()
	if err != nil {
		s.logger.Errorf("router: load forwarding failures: %v", err)
		return
	}
	for _, f := range failures {
		leg, err := s.channels.GetTransfer(f.TransferID)
		if err != nil || !leg.Active() {
			s.clearFailure(f.RoutingID, f.TransferID)
			continue
		}
		if leg.Responder == s.identity && leg.Initiator != s.identity {
			s.logger.Infof("router: retrying forward of payment %s after restart", f.RoutingID)
			s.onTransferCreated(leg)
		}
	}
}

// withRetry runs op with exponential backoff. Attempts stop when the bounded
// count is exhausted, ctx is cancelled, the engine shuts down, or expiry (a
// unix timestamp, zero for none) passes.
func (s *Service) withRetry(ctx context.Context, expiry uint64, what string, op func(ctx context.Context) error) error {
	backoff := s.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < s.opts.RetryAttempts; attempt++ {
		if expiry != 0 && expiry <= uint64(s.clock.Now().Unix()) {
			if lastErr != nil {
				return fmt.Errorf("expiry passed while retrying %s: %w", what, lastErr)
			}
			return fmt.Errorf("expiry passed before %s", what)
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		s.metrics.RetriesScheduled.Inc()
		s.logger.Debugf("router: %s attempt %d failed, retrying in %v: %v", what, attempt+1, backoff, lastErr)
		select {
		case <-s.clock.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return lastErr
		}
		backoff *= 2
	}
	return lastErr
}

// retryable reports whether an error is transient. Typed protocol rejections
// are final; transport and lock contention failures are not. A stale channel
// is retryable since the proposer re-syncs before reporting it; a nonce
// mismatch is not, the counterparty has to catch up first.
func retryable(err error) bool {
	switch {
	case errors.Is(err, channel.ErrInvalidSignature),
		errors.Is(err, channel.ErrTransitionRejected),
		errors.Is(err, channel.ErrResolverInvalid),
		errors.Is(err, channel.ErrChannelDisputed),
		errors.Is(err, channel.ErrNonceMismatch),
		errors.Is(err, ErrInsufficientCollateral),
		errors.Is(err, ErrNoRoute),
		errors.Is(err, ErrNotForwardable),
		errors.Is(err, ErrExpiryTooTight):
		return false
	default:
		return true
	}
}
