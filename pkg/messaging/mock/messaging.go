// Package mock provides an in-process messaging implementation for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/messaging"
	"github.com/ethereum/go-ethereum/common"
)

// Network routes messages between in-process nodes by identity address.
type Network struct {
	mu       sync.RWMutex
	handlers map[common.Address]messaging.Handler
}

// NewNetwork creates an empty mock network.
func NewNetwork() *Network {
	return &Network{handlers: make(map[common.Address]messaging.Handler)}
}

// Join returns a messaging service for identity on this network. The
// returned Service satisfies messaging.Service.
func (n *Network) Join(identity common.Address) *Service {
	return &Service{network: n, identity: identity}
}

func (n *Network) handler(identity common.Address) (messaging.Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", messaging.ErrUnreachable, identity)
	}
	return h, nil
}

type Service struct {
	network  *Network
	identity common.Address

	// SendProposalFunc intercepts outbound proposals when set.
	SendProposalFunc func(ctx context.Context, to common.Address, update *channel.Update) (*channel.Update, error)
}

func (s *Service) SendProposal(ctx context.Context, to common.Address, update *channel.Update) (*channel.Update, error) {
	if s.SendProposalFunc != nil {
		return s.SendProposalFunc(ctx, to, update)
	}
	h, err := s.network.handler(to)
	if err != nil {
		return nil, err
	}
	// The handler runs with its own context, exactly like over the real
	// transport. Passing ctx through would leak the proposer's held-lock
	// tags into the counterparty's locking.
	out, err := h.HandleProposedUpdate(context.Background(), update)
	if err != nil {
		// Mirror the wire round trip so typed errors arrive the same
		// way they would over transport.
		return nil, messaging.FromWireError(messaging.ToWireError(err))
	}
	return out, nil
}

func (s *Service) RequestState(ctx context.Context, to common.Address, channelAddress common.Address) (*channel.ChannelState, []*transfer.Transfer, error) {
	h, err := s.network.handler(to)
	if err != nil {
		return nil, nil, err
	}
	state, err := h.GetChannelState(channelAddress)
	if err != nil {
		return nil, nil, messaging.FromWireError(messaging.ToWireError(err))
	}
	transfers, err := h.GetActiveTransfers(channelAddress)
	if err != nil {
		return nil, nil, messaging.FromWireError(messaging.ToWireError(err))
	}
	return state, transfers, nil
}

func (s *Service) Listen(handler messaging.Handler) error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	s.network.handlers[s.identity] = handler
	return nil
}

func (s *Service) Close() error {
	s.network.mu.Lock()
	defer s.network.mu.Unlock()
	delete(s.network.handlers, s.identity)
	return nil
}
