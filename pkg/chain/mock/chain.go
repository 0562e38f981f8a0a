// Package mock provides chain service implementations for tests.
package mock

import (
	"context"
	"math/big"
	"sync"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ChainService is an in-memory chain double. Deposit totals are plain
// counters and every submitted transaction gets a deterministic hash.
type ChainService struct {
	mu       sync.Mutex
	deposits map[string]*pair
	txCount  uint64

	SubmitDisputeFunc   func(ctx context.Context, state *channel.ChannelState) (common.Hash, error)
	SubmitDefundFunc    func(ctx context.Context, state *channel.ChannelState) (common.Hash, error)
	DisputeTransferFunc func(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error)
	DefundTransferFunc  func(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error)
	SubmitWithdrawFunc  func(ctx context.Context, commitment *channel.WithdrawalCommitment) (common.Hash, error)
}

type pair struct {
	alice *big.Int
	bob   *big.Int
}

// New creates an empty mock chain.
func New() *ChainService {
	return &ChainService{deposits: make(map[string]*pair)}
}

func depositKey(channelAddress, asset common.Address) string {
	return channelAddress.Hex() + asset.Hex()
}

// RecordDeposit adds amount to the on-chain deposit total of the given
// participant side.
func (c *ChainService) RecordDeposit(channelAddress, asset common.Address, asAlice bool, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.deposits[depositKey(channelAddress, asset)]
	if !ok {
		p = &pair{alice: big.NewInt(0), bob: big.NewInt(0)}
		c.deposits[depositKey(channelAddress, asset)] = p
	}
	if asAlice {
		p.alice.Add(p.alice, amount)
	} else {
		p.bob.Add(p.bob, amount)
	}
}

// TotalDeposits implements channel.ChainReader.
func (c *ChainService) TotalDeposits(_ context.Context, channelAddress, asset common.Address) (*big.Int, *big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.deposits[depositKey(channelAddress, asset)]
	if !ok {
		return big.NewInt(0), big.NewInt(0), nil
	}
	return new(big.Int).Set(p.alice), new(big.Int).Set(p.bob), nil
}

func (c *ChainService) nextTxHash() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCount++
	return crypto.Keccak256Hash(big.NewInt(int64(c.txCount)).Bytes())
}

// SubmitDispute implements channel.ChainService.
func (c *ChainService) SubmitDispute(ctx context.Context, state *channel.ChannelState) (common.Hash, error) {
	if c.SubmitDisputeFunc != nil {
		return c.SubmitDisputeFunc(ctx, state)
	}
	return c.nextTxHash(), nil
}

// SubmitDefund implements channel.ChainService.
func (c *ChainService) SubmitDefund(ctx context.Context, state *channel.ChannelState) (common.Hash, error) {
	if c.SubmitDefundFunc != nil {
		return c.SubmitDefundFunc(ctx, state)
	}
	return c.nextTxHash(), nil
}

// DisputeTransfer implements channel.ChainService.
func (c *ChainService) DisputeTransfer(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error) {
	if c.DisputeTransferFunc != nil {
		return c.DisputeTransferFunc(ctx, state, t, proof)
	}
	return c.nextTxHash(), nil
}

// DefundTransfer implements channel.ChainService.
func (c *ChainService) DefundTransfer(ctx context.Context, state *channel.ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error) {
	if c.DefundTransferFunc != nil {
		return c.DefundTransferFunc(ctx, state, t, proof)
	}
	return c.nextTxHash(), nil
}

// SubmitWithdraw implements channel.ChainService.
func (c *ChainService) SubmitWithdraw(ctx context.Context, commitment *channel.WithdrawalCommitment) (common.Hash, error) {
	if c.SubmitWithdrawFunc != nil {
		return c.SubmitWithdrawFunc(ctx, commitment)
	}
	return c.nextTxHash(), nil
}
