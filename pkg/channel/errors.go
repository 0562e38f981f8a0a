package channel

import (
	"errors"

	"github.com/conduitnet/conduit/pkg/lock"
)

var (
	// ErrChannelNotFound is returned when no channel exists at an address.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrStaleChannel means the local view is behind the counterparty's and
	// must be re-synced before proposing.
	ErrStaleChannel = errors.New("stale channel state")
	// ErrNonceMismatch means a received update does not target the next
	// nonce.
	ErrNonceMismatch = errors.New("update nonce mismatch")
	// ErrInvalidSignature means a signature does not recover to the
	// expected participant. Fatal for the update attempt, not the channel.
	ErrInvalidSignature = errors.New("invalid update signature")
	// ErrTransitionRejected covers semantically invalid transitions:
	// insufficient balance, expired transfer, unknown transfer definition.
	ErrTransitionRejected = errors.New("transition rejected")
	// ErrTransferNotFound is returned when resolving a transfer that is not
	// active in the channel.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrResolverInvalid means the resolver payload does not match the
	// transfer's resolution contract.
	ErrResolverInvalid = errors.New("invalid resolver payload")
	// ErrChannelDisputed rejects off-chain updates while an on-chain
	// dispute is open.
	ErrChannelDisputed = errors.New("channel in dispute")
	// ErrNotDisputable is returned for dispute operations in the wrong
	// dispute phase.
	ErrNotDisputable = errors.New("channel not in a disputable state")
)

// Error codes used on the wire and in the RPC failure envelope.
const (
	CodeValidation             = "VALIDATION_FAILED"
	CodeChannelNotFound        = "CHANNEL_NOT_FOUND"
	CodeStaleChannel           = "STALE_CHANNEL"
	CodeNonceMismatch          = "NONCE_MISMATCH"
	CodeInvalidSignature       = "INVALID_SIGNATURE"
	CodeTransitionRejected     = "TRANSITION_REJECTED"
	CodeTransferNotFound       = "TRANSFER_NOT_FOUND"
	CodeResolverInvalid        = "RESOLVER_INVALID"
	CodeChannelDisputed        = "CHANNEL_DISPUTED"
	CodeLockTimeout            = "LOCK_TIMEOUT"
	CodeInsufficientCollateral = "INSUFFICIENT_COLLATERAL"
	CodeForwardingFailure      = "FORWARDING_FAILURE"
	CodeChainInteraction       = "CHAIN_INTERACTION_FAILED"
	CodeInternal               = "INTERNAL"
)

var codeToErr = map[string]error{
	CodeChannelNotFound:    ErrChannelNotFound,
	CodeStaleChannel:       ErrStaleChannel,
	CodeNonceMismatch:      ErrNonceMismatch,
	CodeInvalidSignature:   ErrInvalidSignature,
	CodeTransitionRejected: ErrTransitionRejected,
	CodeTransferNotFound:   ErrTransferNotFound,
	CodeResolverInvalid:    ErrResolverInvalid,
	CodeChannelDisputed:    ErrChannelDisputed,
	CodeLockTimeout:        lock.ErrTimeout,
}

// CodeFor maps a channel error onto its wire code.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		return CodeChannelNotFound
	case errors.Is(err, ErrStaleChannel):
		return CodeStaleChannel
	case errors.Is(err, ErrNonceMismatch):
		return CodeNonceMismatch
	case errors.Is(err, ErrInvalidSignature):
		return CodeInvalidSignature
	case errors.Is(err, ErrTransferNotFound):
		return CodeTransferNotFound
	case errors.Is(err, ErrResolverInvalid):
		return CodeResolverInvalid
	case errors.Is(err, ErrChannelDisputed):
		return CodeChannelDisputed
	case errors.Is(err, ErrTransitionRejected):
		return CodeTransitionRejected
	case errors.Is(err, lock.ErrTimeout):
		return CodeLockTimeout
	default:
		return CodeInternal
	}
}

// ErrFor maps a wire code back onto the sentinel error, so a proposer can
// react to a counterparty's typed rejection.
func ErrFor(code string) error {
	if err, ok := codeToErr[code]; ok {
		return err
	}
	return nil
}
