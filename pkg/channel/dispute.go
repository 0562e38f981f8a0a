package channel

import (
	"context"
	"fmt"

	"github.com/conduitnet/conduit/pkg/channel/merkle"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/ethereum/go-ethereum/common"
)

// SubmitDispute submits the latest dual-signed state on-chain, opening the
// challenge period. While a dispute with a lower nonce is open, resubmitting
// with the newer local state supersedes it. Off-chain updates on the channel
// are rejected from the moment the dispute record is persisted.
func (s *Service) SubmitDispute(ctx context.Context, channelAddress common.Address) (*ChannelState, error) {
	var state *ChannelState
	err := s.withChannelLock(ctx, channelAddress, func(ctx context.Context) error {
		local, err := s.store.GetChannelState(channelAddress)
		if err != nil {
			return err
		}
		if local.LatestUpdate == nil || !local.LatestUpdate.Signed() {
			return fmt.Errorf("%w: no dual-signed state to submit", ErrNotDisputable)
		}
		if d := local.Dispute; d != nil {
			if d.Status == DisputeStatusDefunded {
				return fmt.Errorf("%w: channel already defunded", ErrNotDisputable)
			}
			if d.Nonce >= local.Nonce {
				return fmt.Errorf("%w: dispute already at nonce %d", ErrNotDisputable, d.Nonce)
			}
			if d.ChallengeExpiry <= uint64(s.clock.Now().Unix()) {
				return fmt.Errorf("%w: challenge period elapsed", ErrNotDisputable)
			}
		}

		txHash, err := s.contracts.SubmitDispute(ctx, local)
		if err != nil {
			return fmt.Errorf("submit dispute: %w", err)
		}

		local.Dispute = &DisputeRecord{
			Status:          DisputeStatusDisputed,
			Nonce:           local.Nonce,
			ChallengeExpiry: uint64(s.clock.Now().Unix()) + local.Timeout,
			TxHash:          txHash,
		}
		if err := s.store.SaveChannelDispute(local); err != nil {
			return err
		}

		s.metrics.DisputesSubmitted.Inc()
		s.logger.Infof("channel %s: dispute submitted at nonce %d, tx %s", channelAddress, local.Nonce, txHash)
		s.bus.Publish(TopicChannelDisputed, ChannelDisputedEvent{State: local})
		state = local
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// SubmitDefund pays the disputed balances out on-chain once the challenge
// period has elapsed.
func (s *Service) SubmitDefund(ctx context.Context, channelAddress common.Address) (*ChannelState, error) {
	var state *ChannelState
	err := s.withChannelLock(ctx, channelAddress, func(ctx context.Context) error {
		local, err := s.store.GetChannelState(channelAddress)
		if err != nil {
			return err
		}
		d := local.Dispute
		if d == nil || d.Status != DisputeStatusDisputed {
			return fmt.Errorf("%w: no open dispute", ErrNotDisputable)
		}
		if d.ChallengeExpiry > uint64(s.clock.Now().Unix()) {
			return fmt.Errorf("%w: challenge period still running", ErrNotDisputable)
		}

		txHash, err := s.contracts.SubmitDefund(ctx, local)
		if err != nil {
			return fmt.Errorf("submit defund: %w", err)
		}

		local.Dispute.Status = DisputeStatusDefunded
		local.Dispute.TxHash = txHash
		if err := s.store.SaveChannelDispute(local); err != nil {
			return err
		}

		s.logger.Infof("channel %s: defunded, tx %s", channelAddress, txHash)
		s.bus.Publish(TopicChannelDefunded, ChannelDefundedEvent{State: local})
		state = local
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// DisputeTransfer registers an active transfer with the adjudicator while
// the channel dispute is open, proving its membership in the disputed merkle
// root.
func (s *Service) DisputeTransfer(ctx context.Context, channelAddress common.Address, transferID common.Hash) (common.Hash, error) {
	return s.submitTransferTx(ctx, channelAddress, transferID, "disputed", func(ctx context.Context, state *ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error) {
		if state.Dispute == nil {
			return common.Hash{}, fmt.Errorf("%w: no open dispute", ErrNotDisputable)
		}
		return s.contracts.DisputeTransfer(ctx, state, t, proof)
	})
}

// DefundTransfer pays out a transfer that was still active when its channel
// was defunded. The membership proof against the disputed merkle root lets
// the adjudicator re-derive the outcome on-chain.
func (s *Service) DefundTransfer(ctx context.Context, channelAddress common.Address, transferID common.Hash) (common.Hash, error) {
	return s.submitTransferTx(ctx, channelAddress, transferID, "defunded", func(ctx context.Context, state *ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error) {
		if state.Dispute == nil || state.Dispute.Status != DisputeStatusDefunded {
			return common.Hash{}, fmt.Errorf("%w: channel not defunded", ErrNotDisputable)
		}
		return s.contracts.DefundTransfer(ctx, state, t, proof)
	})
}

func (s *Service) submitTransferTx(ctx context.Context, channelAddress common.Address, transferID common.Hash, verb string, submit func(ctx context.Context, state *ChannelState, t *transfer.Transfer, proof []common.Hash) (common.Hash, error)) (common.Hash, error) {
	var txHash common.Hash
	err := s.withChannelLock(ctx, channelAddress, func(ctx context.Context) error {
		local, err := s.store.GetChannelState(channelAddress)
		if err != nil {
			return err
		}

		active, err := s.store.GetActiveTransfers(channelAddress)
		if err != nil {
			return err
		}
		var target *transfer.Transfer
		leaves := make([]common.Hash, len(active))
		for i, t := range active {
			leaves[i] = t.StateHash()
			if t.ID == transferID {
				target = t
			}
		}
		if target == nil {
			return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
		}

		proof, err := merkle.NewTree(leaves).Proof(target.StateHash())
		if err != nil {
			return fmt.Errorf("build membership proof: %w", err)
		}

		txHash, err = submit(ctx, local, target, proof)
		if err != nil {
			return err
		}
		s.logger.Infof("channel %s: transfer %s %s, tx %s", channelAddress, transferID, verb, txHash)
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}

// SubmitWithdrawal submits a dual-signed withdrawal commitment on-chain.
// Resubmission is safe, the commitment is keyed by nonce on-chain.
func (s *Service) SubmitWithdrawal(ctx context.Context, channelAddress common.Address, nonce uint64) (common.Hash, error) {
	commitment, err := s.store.GetWithdrawalCommitment(channelAddress, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	txHash, err := s.contracts.SubmitWithdraw(ctx, commitment)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit withdrawal: %w", err)
	}
	commitment.TxHash = txHash
	if err := s.store.SaveWithdrawalCommitment(commitment); err != nil {
		return common.Hash{}, err
	}
	return txHash, nil
}
