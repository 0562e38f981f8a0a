package channel

import (
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/ethereum/go-ethereum/common"
)

// Store is the durable persistence consumed by the state machine. All writes
// belonging to one applied update happen in a single call so implementations
// can make them atomic; saving an already-applied nonce must be a no-op.
type Store interface {
	// GetChannelState returns the channel at address or ErrChannelNotFound.
	GetChannelState(address common.Address) (*ChannelState, error)
	// GetChannelByParticipant returns the channel shared with counterparty,
	// or ErrChannelNotFound.
	GetChannelByParticipant(counterparty common.Address) (*ChannelState, error)
	// ListChannelAddresses returns all known channel addresses.
	ListChannelAddresses() ([]common.Address, error)
	// SaveChannelState persists state together with the transfer created or
	// resolved by its latest update (nil for other update types). Idempotent
	// on duplicate nonce.
	SaveChannelState(state *ChannelState, t *transfer.Transfer) error
	// SaveChannelDispute persists a dispute record change without advancing
	// the nonce.
	SaveChannelDispute(state *ChannelState) error

	// GetActiveTransfers returns the transfers committed in the channel's
	// merkle root.
	GetActiveTransfers(address common.Address) ([]*transfer.Transfer, error)
	// GetTransfer returns a transfer, active or resolved, by id.
	GetTransfer(id common.Hash) (*transfer.Transfer, error)
	// GetTransfersByRoutingID returns all legs of a routed payment.
	GetTransfersByRoutingID(routingID common.Hash) ([]*transfer.Transfer, error)

	// SaveWithdrawalCommitment persists the dual-signed withdrawal voucher
	// of an applied withdraw update.
	SaveWithdrawalCommitment(c *WithdrawalCommitment) error
	// GetWithdrawalCommitment returns the voucher for a channel nonce.
	GetWithdrawalCommitment(channelAddress common.Address, nonce uint64) (*WithdrawalCommitment, error)
}
