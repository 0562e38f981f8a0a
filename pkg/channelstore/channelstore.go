// Package channelstore persists channel states, transfers and withdrawal
// commitments on a StateStorer.
package channelstore

import (
	"fmt"
	"strings"
	"sync"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
)

const (
	channelStatePrefix   = "channel_state_"
	channelPeerPrefix    = "channel_peer_"
	transferPrefix       = "transfer_"
	transferActivePrefix = "transfer_active_"
	routingPrefix        = "transfer_routing_"
	withdrawalPrefix     = "withdrawal_"
)

// Store implements channel.Store. A single mutex orders the multi-key writes
// of one applied update; the underlying StateStorer has no batch primitive.
type Store struct {
	lock  sync.Mutex
	store storage.StateStorer
}

// New creates a channel store on top of the given state storage.
func New(store storage.StateStorer) *Store {
	return &Store{store: store}
}

func channelStateKey(address common.Address) string {
	return fmt.Sprintf("%s%x", channelStatePrefix, address)
}

func channelPeerKey(participant common.Address) string {
	return fmt.Sprintf("%s%x", channelPeerPrefix, participant)
}

func transferKey(id common.Hash) string {
	return fmt.Sprintf("%s%x", transferPrefix, id)
}

func transferActiveKey(address common.Address, id common.Hash) string {
	return fmt.Sprintf("%s%x_%x", transferActivePrefix, address, id)
}

func routingKey(routingID, id common.Hash) string {
	return fmt.Sprintf("%s%x_%x", routingPrefix, routingID, id)
}

func withdrawalKey(address common.Address, nonce uint64) string {
	return fmt.Sprintf("%s%x_%020d", withdrawalPrefix, address, nonce)
}

// GetChannelState returns the channel at address.
func (s *Store) GetChannelState(address common.Address) (*channel.ChannelState, error) {
	var state *channel.ChannelState
	err := s.store.Get(channelStateKey(address), &state)
	if err != nil {
		if err != storage.ErrNotFound {
			return nil, err
		}
		return nil, channel.ErrChannelNotFound
	}
	return state, nil
}

// GetChannelByParticipant returns the channel shared with counterparty.
func (s *Store) GetChannelByParticipant(counterparty common.Address) (*channel.ChannelState, error) {
	var address common.Address
	err := s.store.Get(channelPeerKey(counterparty), &address)
	if err != nil {
		if err != storage.ErrNotFound {
			return nil, err
		}
		return nil, channel.ErrChannelNotFound
	}
	return s.GetChannelState(address)
}

// ListChannelAddresses returns all known channel addresses.
func (s *Store) ListChannelAddresses() ([]common.Address, error) {
	var addresses []common.Address
	err := s.store.Iterate(channelStatePrefix, func(key, _ []byte) (bool, error) {
		hex := strings.TrimPrefix(string(key), channelStatePrefix)
		addresses = append(addresses, common.HexToAddress(hex))
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

// SaveChannelState persists state and the transfer its latest update created
// or resolved. Re-saving an already persisted nonce only re-applies the
// transfer bookkeeping, so restores and replays are idempotent.
func (s *Store) SaveChannelState(state *channel.ChannelState, t *transfer.Transfer) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var existing *channel.ChannelState
	err := s.store.Get(channelStateKey(state.ChannelAddress), &existing)
	if err != nil && err != storage.ErrNotFound {
		return err
	}
	if existing != nil && existing.Nonce > state.Nonce {
		return nil
	}
	if existing == nil || existing.Nonce < state.Nonce {
		if err := s.store.Put(channelStateKey(state.ChannelAddress), state); err != nil {
			return err
		}
	}
	if existing == nil {
		if err := s.store.Put(channelPeerKey(state.Alice), state.ChannelAddress); err != nil {
			return err
		}
		if err := s.store.Put(channelPeerKey(state.Bob), state.ChannelAddress); err != nil {
			return err
		}
	}

	if t == nil {
		return nil
	}
	return s.saveTransfer(t)
}

func (s *Store) saveTransfer(t *transfer.Transfer) error {
	if err := s.store.Put(transferKey(t.ID), t); err != nil {
		return err
	}
	if t.Active() {
		if err := s.store.Put(transferActiveKey(t.ChannelAddress, t.ID), t.ID); err != nil {
			return err
		}
	} else {
		if err := s.store.Delete(transferActiveKey(t.ChannelAddress, t.ID)); err != nil && err != storage.ErrNotFound {
			return err
		}
	}
	if t.Meta.RoutingID != (common.Hash{}) {
		if err := s.store.Put(routingKey(t.Meta.RoutingID, t.ID), t.ID); err != nil {
			return err
		}
	}
	return nil
}

// SaveChannelDispute persists a dispute record change at the channel's
// current nonce.
func (s *Store) SaveChannelDispute(state *channel.ChannelState) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.store.Put(channelStateKey(state.ChannelAddress), state)
}

// GetActiveTransfers returns the transfers committed in the channel's merkle
// root.
func (s *Store) GetActiveTransfers(address common.Address) ([]*transfer.Transfer, error) {
	prefix := fmt.Sprintf("%s%x_", transferActivePrefix, address)
	var ids []common.Hash
	err := s.store.Iterate(prefix, func(key, _ []byte) (bool, error) {
		hex := strings.TrimPrefix(string(key), prefix)
		ids = append(ids, common.HexToHash(hex))
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	transfers := make([]*transfer.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransfer(id)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// GetTransfer returns a transfer, active or resolved, by id.
func (s *Store) GetTransfer(id common.Hash) (*transfer.Transfer, error) {
	var t *transfer.Transfer
	err := s.store.Get(transferKey(id), &t)
	if err != nil {
		if err != storage.ErrNotFound {
			return nil, err
		}
		return nil, channel.ErrTransferNotFound
	}
	return t, nil
}

// GetTransfersByRoutingID returns all legs of a routed payment.
func (s *Store) GetTransfersByRoutingID(routingID common.Hash) ([]*transfer.Transfer, error) {
	prefix := fmt.Sprintf("%s%x_", routingPrefix, routingID)
	var ids []common.Hash
	err := s.store.Iterate(prefix, func(key, _ []byte) (bool, error) {
		hex := strings.TrimPrefix(string(key), prefix)
		ids = append(ids, common.HexToHash(hex))
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	transfers := make([]*transfer.Transfer, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTransfer(id)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, nil
}

// SaveWithdrawalCommitment persists the dual-signed withdrawal voucher.
func (s *Store) SaveWithdrawalCommitment(c *channel.WithdrawalCommitment) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.store.Put(withdrawalKey(c.ChannelAddress, c.Nonce), c)
}

// GetWithdrawalCommitment returns the voucher for a channel nonce.
func (s *Store) GetWithdrawalCommitment(channelAddress common.Address, nonce uint64) (*channel.WithdrawalCommitment, error) {
	var c *channel.WithdrawalCommitment
	err := s.store.Get(withdrawalKey(channelAddress, nonce), &c)
	if err != nil {
		if err != storage.ErrNotFound {
			return nil, err
		}
		return nil, storage.ErrNotFound
	}
	return c, nil
}
