// Package messaging carries the channel protocol between nodes. Every
// exchange is a request/reply pair addressed to the counterparty identity,
// with typed error codes so a proposer can distinguish a rejection from a
// transport failure.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/ethereum/go-ethereum/common"
)

// ErrUnreachable is returned when the counterparty did not answer at all.
var ErrUnreachable = errors.New("messaging: counterparty unreachable")

// Handler is the inbound side of the protocol, implemented by the channel
// service.
type Handler interface {
	HandleProposedUpdate(ctx context.Context, update *channel.Update) (*channel.Update, error)
	GetChannelState(address common.Address) (*channel.ChannelState, error)
	GetActiveTransfers(address common.Address) ([]*transfer.Transfer, error)
}

// Service is the outbound side plus listener lifecycle. It satisfies
// channel.Messenger.
type Service interface {
	channel.Messenger
	// Listen subscribes to the node's inbound subjects and dispatches to
	// handler until Close.
	Listen(handler Handler) error
	Close() error
}

// ProposalRequest is the wire form of a half-signed update delivery.
type ProposalRequest struct {
	Update *channel.Update `json:"update"`
}

// ProposalResponse returns the countersigned update, or a typed rejection.
type ProposalResponse struct {
	Update *channel.Update `json:"update,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// StateRequest asks for the latest dual-signed state of a channel.
type StateRequest struct {
	ChannelAddress common.Address `json:"channelAddress"`
}

// StateResponse carries a channel state with its active transfer set.
type StateResponse struct {
	State     *channel.ChannelState `json:"state,omitempty"`
	Transfers []*transfer.Transfer  `json:"transfers,omitempty"`
	Error     *WireError            `json:"error,omitempty"`
}

// WireError is a typed protocol rejection.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToWireError converts a handler error into its wire form.
func ToWireError(err error) *WireError {
	return &WireError{
		Code:    channel.CodeFor(err),
		Message: err.Error(),
	}
}

// FromWireError reconstructs a typed error on the requesting side. Known
// codes wrap the matching sentinel so errors.Is keeps working across the
// wire.
func FromWireError(we *WireError) error {
	if we == nil {
		return nil
	}
	if sentinel := channel.ErrFor(we.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, we.Message)
	}
	return fmt.Errorf("counterparty error %s: %s", we.Code, we.Message)
}
