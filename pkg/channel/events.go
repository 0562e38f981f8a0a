package channel

import (
	"encoding/json"

	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/events"
	"github.com/ethereum/go-ethereum/common"
)

// Event topics emitted by the channel service, in nonce order per channel.
const (
	TopicChannelUpdated   = "channel.updated"
	TopicTransferCreated  = "transfer.created"
	TopicTransferResolved = "transfer.resolved"
	TopicChannelDisputed  = "channel.disputed"
	TopicChannelDefunded  = "channel.defunded"
)

// ChannelUpdatedEvent is published for every applied update.
type ChannelUpdatedEvent struct {
	State *ChannelState
}

// TransferCreatedEvent is published after a Create update is applied.
type TransferCreatedEvent struct {
	State    *ChannelState
	Transfer *transfer.Transfer
}

// TransferResolvedEvent is published after a Resolve update is applied.
// Resolver is the payload that resolved the transfer, so a router can mirror
// the resolution onto the other leg of a routed payment.
type TransferResolvedEvent struct {
	State    *ChannelState
	Transfer *transfer.Transfer
	Resolver json.RawMessage
}

// ChannelDisputedEvent is published when a dispute transaction is submitted.
type ChannelDisputedEvent struct {
	State *ChannelState
}

// ChannelDefundedEvent is published when a channel is defunded on-chain.
type ChannelDefundedEvent struct {
	State *ChannelState
}

// FilterChannel restricts a subscription to events of one channel.
func FilterChannel(address common.Address) events.Filter {
	return func(ev events.Event) bool {
		switch p := ev.Payload.(type) {
		case ChannelUpdatedEvent:
			return p.State.ChannelAddress == address
		case TransferCreatedEvent:
			return p.State.ChannelAddress == address
		case TransferResolvedEvent:
			return p.State.ChannelAddress == address
		case ChannelDisputedEvent:
			return p.State.ChannelAddress == address
		case ChannelDefundedEvent:
			return p.State.ChannelAddress == address
		default:
			return false
		}
	}
}

// FilterRoutingID restricts a subscription to transfer events of one routed
// payment.
func FilterRoutingID(routingID common.Hash) events.Filter {
	return func(ev events.Event) bool {
		switch p := ev.Payload.(type) {
		case TransferCreatedEvent:
			return p.Transfer.Meta.RoutingID == routingID
		case TransferResolvedEvent:
			return p.Transfer.Meta.RoutingID == routingID
		default:
			return false
		}
	}
}
