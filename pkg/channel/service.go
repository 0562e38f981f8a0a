// Package channel implements the dual-signed payment channel state machine.
// Every state advance follows the same round: the proposer recomputes the
// resulting state, signs it, sends the half-signed update to the
// counterparty, and the counterparty independently recomputes the identical
// state before countersigning. Neither side ever signs a state it did not
// derive itself.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/crypto"
	"github.com/conduitnet/conduit/pkg/events"
	"github.com/conduitnet/conduit/pkg/lock"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/conduitnet/conduit/pkg/sctx"
	"github.com/ethereum/go-ethereum/common"
)

// Messenger delivers channel protocol messages to counterparties.
type Messenger interface {
	// SendProposal delivers a half-signed update and blocks until the
	// counterparty returns it countersigned, or rejects it.
	SendProposal(ctx context.Context, to common.Address, update *Update) (*Update, error)
	// RequestState fetches the counterparty's latest dual-signed state and
	// active transfer set for a channel.
	RequestState(ctx context.Context, to common.Address, channelAddress common.Address) (*ChannelState, []*transfer.Transfer, error)
}

// ChainReader exposes the on-chain records the state machine corroborates
// against before signing.
type ChainReader interface {
	// TotalDeposits returns the cumulative per-participant deposit totals
	// recorded on-chain for asset in the channel.
	TotalDeposits(ctx context.Context, channelAddress, asset common.Address) (alice, bob *big.Int, err error)
}

// ChainService submits channel adjudication transactions.
type ChainService interface {
	SubmitDispute(ctx context.Context, state *ChannelState) (common.Hash, error)
	SubmitDefund(ctx context.Context, state *ChannelState) (common.Hash, error)
	DisputeTransfer(ctx context.Context, state *ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error)
	DefundTransfer(ctx context.Context, state *ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error)
	SubmitWithdraw(ctx context.Context, commitment *WithdrawalCommitment) (common.Hash, error)
}

// Service drives the channel state machine for one node identity.
type Service struct {
	logger    logging.Logger
	metrics   metrics
	signer    crypto.Signer
	identity  common.Address
	store     Store
	locks     lock.Service
	registry  *transfer.Registry
	messenger Messenger
	chain     ChainReader
	contracts ChainService
	bus       *events.Bus
	clock     events.Clock
}

// New constructs the channel service. The messenger is set separately since
// the messaging listener needs the service to handle inbound proposals.
func New(logger logging.Logger, signer crypto.Signer, identity common.Address, store Store, locks lock.Service, registry *transfer.Registry, chain ChainReader, contracts ChainService, bus *events.Bus, clock events.Clock) *Service {
	if clock == nil {
		clock = events.SystemClock()
	}
	return &Service{
		logger:    logger,
		metrics:   newMetrics(),
		signer:    signer,
		identity:  identity,
		store:     store,
		locks:     locks,
		registry:  registry,
		chain:     chain,
		contracts: contracts,
		bus:       bus,
		clock:     clock,
	}
}

// SetMessenger wires the outbound message transport.
func (s *Service) SetMessenger(m Messenger) {
	s.messenger = m
}

// Identity returns the signer address this service acts as.
func (s *Service) Identity() common.Address {
	return s.identity
}

// Registry returns the transfer definition registry.
func (s *Service) Registry() *transfer.Registry {
	return s.registry
}

// GetChannelState returns the channel at address.
func (s *Service) GetChannelState(address common.Address) (*ChannelState, error) {
	return s.store.GetChannelState(address)
}

// GetChannelByParticipant returns the channel shared with counterparty.
func (s *Service) GetChannelByParticipant(counterparty common.Address) (*ChannelState, error) {
	return s.store.GetChannelByParticipant(counterparty)
}

// ListChannelAddresses returns all known channel addresses.
func (s *Service) ListChannelAddresses() ([]common.Address, error) {
	return s.store.ListChannelAddresses()
}

// GetActiveTransfers returns the transfers committed in the channel's merkle
// root.
func (s *Service) GetActiveTransfers(address common.Address) ([]*transfer.Transfer, error) {
	return s.store.GetActiveTransfers(address)
}

// GetTransfer returns a transfer by id.
func (s *Service) GetTransfer(id common.Hash) (*transfer.Transfer, error) {
	return s.store.GetTransfer(id)
}

// GetTransfersByRoutingID returns all legs of a routed payment.
func (s *Service) GetTransfersByRoutingID(routingID common.Hash) ([]*transfer.Transfer, error) {
	return s.store.GetTransfersByRoutingID(routingID)
}

// GetWithdrawalCommitment returns the dual-signed withdrawal voucher produced
// at the given channel nonce.
func (s *Service) GetWithdrawalCommitment(channelAddress common.Address, nonce uint64) (*WithdrawalCommitment, error) {
	return s.store.GetWithdrawalCommitment(channelAddress, nonce)
}

// SetupChannel opens a channel with counterparty on chainID. The proposing
// node takes the alice role. Returns the existing channel if one is already
// open with the counterparty.
func (s *Service) SetupChannel(ctx context.Context, counterparty common.Address, chainID int64, timeout uint64) (*ChannelState, error) {
	if counterparty == s.identity {
		return nil, fmt.Errorf("%w: cannot open channel with self", ErrTransitionRejected)
	}
	existing, err := s.store.GetChannelByParticipant(counterparty)
	if err == nil {
		return existing, nil
	}

	details, err := json.Marshal(SetupDetails{
		Alice:   s.identity,
		Bob:     counterparty,
		ChainID: chainID,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	update := &Update{
		ChannelAddress: DeriveChannelAddress(s.identity, counterparty, chainID),
		Type:           UpdateTypeSetup,
		Nonce:          1,
		Initiator:      s.identity,
		Details:        details,
	}
	state, _, err := s.proposeUpdate(ctx, counterparty, update)
	return state, err
}

// ProposeDeposit reconciles the on-chain deposit totals for asset into the
// channel balances. Reconciling the same totals twice fails with
// ErrTransitionRejected since no unprocessed deposits remain.
func (s *Service) ProposeDeposit(ctx context.Context, channelAddress, asset common.Address) (*ChannelState, error) {
	alice, bob, err := s.chain.TotalDeposits(ctx, channelAddress, asset)
	if err != nil {
		return nil, fmt.Errorf("read deposit totals: %w", err)
	}
	details, err := json.Marshal(DepositDetails{
		TotalDepositsAlice: alice,
		TotalDepositsBob:   bob,
	})
	if err != nil {
		return nil, err
	}
	state, _, err := s.proposeNext(ctx, channelAddress, UpdateTypeDeposit, asset, details)
	return state, err
}

// CreateRequest carries the parameters of a conditional transfer proposal.
type CreateRequest struct {
	ChannelAddress common.Address
	AssetID        common.Address
	Amount         *big.Int
	Definition     transfer.DefinitionID
	InitialState   json.RawMessage
	Expiry         uint64
	Meta           transfer.Meta
}

// ProposeTransferCreate locks req.Amount of the proposer's balance into a new
// conditional transfer.
func (s *Service) ProposeTransferCreate(ctx context.Context, req CreateRequest) (*ChannelState, *transfer.Transfer, error) {
	var (
		state *ChannelState
		t     *transfer.Transfer
	)
	err := s.withChannelLock(ctx, req.ChannelAddress, func(ctx context.Context) error {
		prev, err := s.store.GetChannelState(req.ChannelAddress)
		if err != nil {
			return err
		}
		active, err := s.store.GetActiveTransfers(req.ChannelAddress)
		if err != nil {
			return err
		}

		nonce := prev.Nonce + 1
		id := transfer.ComputeID(req.ChannelAddress, s.identity, req.Definition, req.InitialState, nonce)
		pending := &transfer.Transfer{
			ID:             id,
			ChannelAddress: req.ChannelAddress,
			Initiator:      s.identity,
			Responder:      prev.Counterparty(s.identity),
			Definition:     req.Definition,
			AssetID:        req.AssetID,
			Amount:         req.Amount,
			InitialState:   req.InitialState,
			Expiry:         req.Expiry,
			CreateNonce:    nonce,
			Meta:           req.Meta,
		}
		details, err := json.Marshal(CreateDetails{
			TransferID:   id,
			Definition:   req.Definition,
			Amount:       req.Amount,
			InitialState: req.InitialState,
			Expiry:       req.Expiry,
			Meta:         req.Meta,
			MerkleRoot:   activeRoot(append(activeCopy(active), pending)),
		})
		if err != nil {
			return err
		}
		update := &Update{
			ChannelAddress: req.ChannelAddress,
			Type:           UpdateTypeCreate,
			Nonce:          nonce,
			Initiator:      s.identity,
			AssetID:        req.AssetID,
			Details:        details,
		}
		state, t, err = s.proposeUpdate(ctx, prev.Counterparty(s.identity), update)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return state, t, nil
}

// ProposeTransferResolve finalizes an active transfer with resolver and
// redistributes the locked amount according to the transfer definition.
func (s *Service) ProposeTransferResolve(ctx context.Context, channelAddress common.Address, transferID common.Hash, resolver json.RawMessage) (*ChannelState, *transfer.Transfer, error) {
	var (
		state *ChannelState
		t     *transfer.Transfer
	)
	err := s.withChannelLock(ctx, channelAddress, func(ctx context.Context) error {
		prev, err := s.store.GetChannelState(channelAddress)
		if err != nil {
			return err
		}
		active, err := s.store.GetActiveTransfers(channelAddress)
		if err != nil {
			return err
		}
		remaining := make([]*transfer.Transfer, 0, len(active))
		var target *transfer.Transfer
		for _, a := range active {
			if a.ID == transferID {
				target = a
				continue
			}
			remaining = append(remaining, a)
		}
		if target == nil {
			return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
		}

		details, err := json.Marshal(ResolveDetails{
			TransferID: transferID,
			Resolver:   resolver,
			MerkleRoot: activeRoot(remaining),
		})
		if err != nil {
			return err
		}
		update := &Update{
			ChannelAddress: channelAddress,
			Type:           UpdateTypeResolve,
			Nonce:          prev.Nonce + 1,
			Initiator:      s.identity,
			AssetID:        target.AssetID,
			Details:        details,
		}
		state, t, err = s.proposeUpdate(ctx, prev.Counterparty(s.identity), update)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return state, t, nil
}

// ProposeWithdraw removes amount from the proposer's balance and produces a
// dual-signed withdrawal commitment submittable on-chain.
func (s *Service) ProposeWithdraw(ctx context.Context, channelAddress, asset common.Address, amount *big.Int, recipient common.Address) (*WithdrawalCommitment, error) {
	details, err := json.Marshal(WithdrawDetails{
		Amount:    amount,
		Recipient: recipient,
	})
	if err != nil {
		return nil, err
	}
	state, _, err := s.proposeNext(ctx, channelAddress, UpdateTypeWithdraw, asset, details)
	if err != nil {
		return nil, err
	}
	return s.store.GetWithdrawalCommitment(channelAddress, state.Nonce)
}

// proposeNext builds an update targeting the channel's next nonce under the
// channel lock and runs the proposal round.
func (s *Service) proposeNext(ctx context.Context, channelAddress common.Address, typ UpdateType, asset common.Address, details json.RawMessage) (*ChannelState, *transfer.Transfer, error) {
	var (
		state *ChannelState
		t     *transfer.Transfer
	)
	err := s.withChannelLock(ctx, channelAddress, func(ctx context.Context) error {
		prev, err := s.store.GetChannelState(channelAddress)
		if err != nil {
			return err
		}
		update := &Update{
			ChannelAddress: channelAddress,
			Type:           typ,
			Nonce:          prev.Nonce + 1,
			Initiator:      s.identity,
			AssetID:        asset,
			Details:        details,
		}
		state, t, err = s.proposeUpdate(ctx, prev.Counterparty(s.identity), update)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return state, t, nil
}

// proposeUpdate runs one proposal round as the initiator. The channel lock
// must already be held, except for setup where no channel exists yet.
func (s *Service) proposeUpdate(ctx context.Context, counterparty common.Address, update *Update) (*ChannelState, *transfer.Transfer, error) {
	run := func(ctx context.Context) (*ChannelState, *transfer.Transfer, error) {
		s.metrics.UpdatesProposed.Inc()

		var (
			prev   *ChannelState
			active []*transfer.Transfer
			err    error
		)
		if update.Type != UpdateTypeSetup {
			prev, err = s.store.GetChannelState(update.ChannelAddress)
			if err != nil {
				return nil, nil, err
			}
			active, err = s.store.GetActiveTransfers(update.ChannelAddress)
			if err != nil {
				return nil, nil, err
			}
		}

		next, t, err := applyUpdate(prev, update, active, s.registry, s.clock.Now())
		if err != nil {
			s.metrics.UpdateFailures.Inc()
			return nil, nil, err
		}

		sig, err := SignState(s.signer, next)
		if err != nil {
			return nil, nil, err
		}
		setSignature(next, update, s.identity, sig)

		countersigned, err := s.messenger.SendProposal(ctx, counterparty, update)
		if err != nil {
			s.metrics.UpdateFailures.Inc()
			// A nonce rejection usually means this node missed an update.
			// Restore from the counterparty; if their channel is indeed
			// ahead the caller must rebuild the proposal on fresh state.
			if errors.Is(err, ErrNonceMismatch) && update.Type != UpdateTypeSetup {
				if synced, syncErr := s.SyncChannel(ctx, counterparty, update.ChannelAddress); syncErr == nil && synced.Nonce >= update.Nonce {
					return nil, nil, fmt.Errorf("%w: counterparty is at nonce %d", ErrStaleChannel, synced.Nonce)
				}
			}
			return nil, nil, fmt.Errorf("proposal rejected by %s: %w", counterparty, err)
		}
		counterSig := signatureFor(next, countersigned, counterparty)
		if err := VerifyStateSignature(next, counterSig, counterparty); err != nil {
			s.metrics.UpdateFailures.Inc()
			return nil, nil, err
		}
		setSignature(next, update, counterparty, counterSig)

		if err := s.finalize(next, update, t); err != nil {
			return nil, nil, err
		}
		return next, t, nil
	}

	if update.Type == UpdateTypeSetup {
		var (
			state *ChannelState
			t     *transfer.Transfer
		)
		err := s.withChannelLock(ctx, update.ChannelAddress, func(ctx context.Context) error {
			var err error
			state, t, err = run(ctx)
			return err
		})
		return state, t, err
	}
	return run(ctx)
}

// When both parties propose concurrently each holds its local channel lock
// while blocking on the other's reply, so inbound handling never waits for
// the lock unboundedly. The bounds are asymmetric by participant address:
// the lower-address node rejects the inbound round quickly and keeps its own,
// the higher-address node waits long enough to pick the lock up once its own
// round has failed. Exactly one of two crossing proposals survives.
const (
	inboundYieldWait = 500 * time.Millisecond
	inboundHoldWait  = 5 * time.Second
)

// HandleProposedUpdate processes an inbound half-signed update as the
// counterparty: recompute, verify the proposer's signature over the derived
// state, countersign, persist. Replays of the channel's latest applied update
// return the stored dual-signed update unchanged.
func (s *Service) HandleProposedUpdate(ctx context.Context, update *Update) (*Update, error) {
	wait := inboundHoldWait
	if bytes.Compare(s.identity.Bytes(), update.Initiator.Bytes()) < 0 {
		wait = inboundYieldWait
	}

	var out *Update
	err := s.withChannelLockWait(ctx, update.ChannelAddress, wait, func(ctx context.Context) error {
		s.metrics.UpdatesReceived.Inc()

		var (
			prev   *ChannelState
			active []*transfer.Transfer
		)
		if update.Type != UpdateTypeSetup {
			var err error
			prev, err = s.store.GetChannelState(update.ChannelAddress)
			if err != nil {
				return err
			}
			if update.Nonce <= prev.Nonce {
				if sameUpdate(prev.LatestUpdate, update) {
					out = prev.LatestUpdate
					return nil
				}
				return fmt.Errorf("%w: update targets nonce %d, channel at %d", ErrNonceMismatch, update.Nonce, prev.Nonce)
			}
			active, err = s.store.GetActiveTransfers(update.ChannelAddress)
			if err != nil {
				return err
			}
		} else if existing, err := s.store.GetChannelState(update.ChannelAddress); err == nil {
			if existing.LatestUpdate != nil && existing.Nonce == 1 {
				out = existing.LatestUpdate
				return nil
			}
			return fmt.Errorf("%w: channel already set up", ErrTransitionRejected)
		}

		if update.Initiator == s.identity {
			return fmt.Errorf("%w: update initiated by self", ErrTransitionRejected)
		}
		if update.Type == UpdateTypeDeposit {
			if err := s.corroborateDeposit(ctx, update); err != nil {
				s.metrics.UpdateFailures.Inc()
				return err
			}
		}

		next, t, err := applyUpdate(prev, update, active, s.registry, s.clock.Now())
		if err != nil {
			s.metrics.UpdateFailures.Inc()
			return err
		}
		if !next.Participant(s.identity) {
			return fmt.Errorf("%w: node is not a channel participant", ErrTransitionRejected)
		}

		proposerSig := signatureFor(next, update, update.Initiator)
		if err := VerifyStateSignature(next, proposerSig, update.Initiator); err != nil {
			s.metrics.UpdateFailures.Inc()
			return err
		}

		sig, err := SignState(s.signer, next)
		if err != nil {
			return err
		}
		setSignature(next, update, s.identity, sig)

		if err := s.finalize(next, update, t); err != nil {
			return err
		}
		out = update
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// sameUpdate reports whether b is a redelivery of the applied update a. Only
// an identical update may be answered from the store; a different update at
// an already-applied nonce is a mismatch.
func sameUpdate(a, b *Update) bool {
	return a != nil &&
		a.Nonce == b.Nonce &&
		a.Type == b.Type &&
		a.Initiator == b.Initiator &&
		a.AssetID == b.AssetID &&
		bytes.Equal(a.Details, b.Details)
}

// corroborateDeposit checks a proposed deposit reconciliation against the
// on-chain record. Totals are never taken from the proposer: a claim beyond
// what the contract holds would mint balance out of thin air.
func (s *Service) corroborateDeposit(ctx context.Context, update *Update) error {
	var details DepositDetails
	if err := json.Unmarshal(update.Details, &details); err != nil {
		return fmt.Errorf("%w: deposit details: %v", ErrTransitionRejected, err)
	}
	if details.TotalDepositsAlice == nil || details.TotalDepositsBob == nil {
		return fmt.Errorf("%w: missing deposit totals", ErrTransitionRejected)
	}
	alice, bob, err := s.chain.TotalDeposits(ctx, update.ChannelAddress, update.AssetID)
	if err != nil {
		return fmt.Errorf("read deposit totals: %w", err)
	}
	if details.TotalDepositsAlice.Cmp(alice) > 0 || details.TotalDepositsBob.Cmp(bob) > 0 {
		return fmt.Errorf("%w: claimed deposit totals exceed the on-chain record", ErrTransitionRejected)
	}
	return nil
}

// finalize persists a dual-signed update and publishes its events. For
// withdraw updates the dual-signed commitment voucher is persisted alongside.
func (s *Service) finalize(next *ChannelState, update *Update, t *transfer.Transfer) error {
	if !update.Signed() {
		return fmt.Errorf("%w: missing signature on applied update", ErrInvalidSignature)
	}
	next.LatestUpdate = update

	if err := s.store.SaveChannelState(next, t); err != nil {
		return fmt.Errorf("persist channel state: %w", err)
	}
	if update.Type == UpdateTypeWithdraw {
		var details WithdrawDetails
		if err := json.Unmarshal(update.Details, &details); err != nil {
			return err
		}
		err := s.store.SaveWithdrawalCommitment(&WithdrawalCommitment{
			ChannelAddress: update.ChannelAddress,
			AssetID:        update.AssetID,
			Amount:         details.Amount,
			Recipient:      details.Recipient,
			Nonce:          update.Nonce,
			AliceSignature: update.AliceSignature,
			BobSignature:   update.BobSignature,
		})
		if err != nil {
			return fmt.Errorf("persist withdrawal commitment: %w", err)
		}
	}

	s.metrics.UpdatesApplied.Inc()
	s.logger.Debugf("channel %s: applied %s update, nonce %d", next.ChannelAddress, update.Type, next.Nonce)

	s.bus.Publish(TopicChannelUpdated, ChannelUpdatedEvent{State: next})
	switch update.Type {
	case UpdateTypeCreate:
		s.metrics.TransfersCreated.Inc()
		s.bus.Publish(TopicTransferCreated, TransferCreatedEvent{State: next, Transfer: t})
	case UpdateTypeResolve:
		s.metrics.TransfersResolved.Inc()
		var details ResolveDetails
		if err := json.Unmarshal(update.Details, &details); err != nil {
			return err
		}
		s.bus.Publish(TopicTransferResolved, TransferResolvedEvent{State: next, Transfer: t, Resolver: details.Resolver})
	}
	return nil
}

// SyncChannel restores the local view of a channel from the counterparty's
// latest dual-signed state. Both signatures are verified before anything is
// persisted; a remote state at or behind the local nonce is ignored.
func (s *Service) SyncChannel(ctx context.Context, counterparty, channelAddress common.Address) (*ChannelState, error) {
	var state *ChannelState
	err := s.withChannelLock(ctx, channelAddress, func(ctx context.Context) error {
		remote, remoteActive, err := s.messenger.RequestState(ctx, counterparty, channelAddress)
		if err != nil {
			return fmt.Errorf("request state from %s: %w", counterparty, err)
		}
		if remote.LatestUpdate == nil || !remote.LatestUpdate.Signed() {
			return fmt.Errorf("%w: remote state is not dual-signed", ErrInvalidSignature)
		}
		if !remote.Participant(s.identity) {
			return fmt.Errorf("%w: node is not a participant of %s", ErrTransitionRejected, channelAddress)
		}
		for _, party := range []common.Address{remote.Alice, remote.Bob} {
			if err := VerifyStateSignature(remote, signatureFor(remote, remote.LatestUpdate, party), party); err != nil {
				return err
			}
		}
		if root := activeRoot(remoteActive); root != remote.MerkleRoot {
			return fmt.Errorf("%w: remote transfer set does not match merkle root", ErrTransitionRejected)
		}

		local, err := s.store.GetChannelState(channelAddress)
		if err == nil && local.Nonce >= remote.Nonce {
			state = local
			return nil
		}

		if err := s.store.SaveChannelState(remote, nil); err != nil {
			return err
		}
		for _, t := range remoteActive {
			if err := s.store.SaveChannelState(remote, t); err != nil {
				return err
			}
		}
		state = remote
		s.logger.Infof("channel %s: restored at nonce %d from %s", channelAddress, remote.Nonce, counterparty)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// lockKey is the lock service key of a channel.
func lockKey(address common.Address) string {
	return "channel:" + strings.ToLower(address.Hex())
}

// withChannelLock runs fn holding the channel's exclusive lock. The held key
// is tagged into ctx so nested calls on the same channel are re-entrant.
func (s *Service) withChannelLock(ctx context.Context, address common.Address, fn func(ctx context.Context) error) error {
	return s.withChannelLockWait(ctx, address, 0, fn)
}

// withChannelLockWait is withChannelLock with the lock acquisition bounded by
// wait. Zero means no bound beyond ctx. fn itself runs without the bound.
func (s *Service) withChannelLockWait(ctx context.Context, address common.Address, wait time.Duration, fn func(ctx context.Context) error) error {
	key := lockKey(address)
	if sctx.IsLockHeld(ctx, key) {
		return fn(ctx)
	}
	acquireCtx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	handle, err := s.locks.Acquire(acquireCtx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			s.logger.Warningf("channel %s: release lock: %v", address, err)
		}
	}()
	return fn(sctx.SetLockHeld(ctx, key))
}

// WithChannelsLocked runs fn holding the locks of all given channels.
// Acquisition follows the lexicographic order of the lock keys, so two nodes
// locking overlapping channel sets cannot deadlock each other.
func (s *Service) WithChannelsLocked(ctx context.Context, addresses []common.Address, fn func(ctx context.Context) error) error {
	keys := make([]string, 0, len(addresses))
	seen := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		k := lockKey(a)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var handles []lock.Handle
	defer func() {
		for i := len(handles) - 1; i >= 0; i-- {
			if err := handles[i].Release(); err != nil {
				s.logger.Warningf("release lock %s: %v", handles[i].Key(), err)
			}
		}
	}()

	for _, k := range keys {
		if sctx.IsLockHeld(ctx, k) {
			continue
		}
		handle, err := s.locks.Acquire(ctx, k)
		if err != nil {
			return err
		}
		handles = append(handles, handle)
		ctx = sctx.SetLockHeld(ctx, k)
	}
	return fn(ctx)
}
