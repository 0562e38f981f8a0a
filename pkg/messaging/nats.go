package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
)

const (
	proposalSubjectPrefix = "conduit.proposal."
	stateSubjectPrefix    = "conduit.state."
)

func proposalSubject(identity common.Address) string {
	return proposalSubjectPrefix + strings.ToLower(identity.Hex())
}

func stateSubject(identity common.Address) string {
	return stateSubjectPrefix + strings.ToLower(identity.Hex())
}

// natsService implements Service over a NATS connection. Each node listens on
// subjects derived from its identity address; requests carry JSON envelopes.
type natsService struct {
	logger   logging.Logger
	conn     *nats.Conn
	identity common.Address
	subs     []*nats.Subscription
}

// NewNATSService connects to the NATS server at url.
func NewNATSService(logger logging.Logger, url string, identity common.Address) (Service, error) {
	conn, err := nats.Connect(url,
		nats.Name("conduit-"+strings.ToLower(identity.Hex())),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &natsService{
		logger:   logger,
		conn:     conn,
		identity: identity,
	}, nil
}

// SendProposal delivers a half-signed update to the counterparty and waits
// for the countersigned reply.
func (s *natsService) SendProposal(ctx context.Context, to common.Address, update *channel.Update) (*channel.Update, error) {
	payload, err := json.Marshal(ProposalRequest{Update: update})
	if err != nil {
		return nil, err
	}
	msg, err := s.conn.RequestWithContext(ctx, proposalSubject(to), payload)
	if err != nil {
		if err == nats.ErrNoResponders {
			return nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
		}
		return nil, err
	}
	var resp ProposalResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode proposal response: %w", err)
	}
	if resp.Error != nil {
		return nil, FromWireError(resp.Error)
	}
	return resp.Update, nil
}

// RequestState fetches the counterparty's latest dual-signed state for a
// channel.
func (s *natsService) RequestState(ctx context.Context, to common.Address, channelAddress common.Address) (*channel.ChannelState, []*transfer.Transfer, error) {
	payload, err := json.Marshal(StateRequest{ChannelAddress: channelAddress})
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.conn.RequestWithContext(ctx, stateSubject(to), payload)
	if err != nil {
		if err == nats.ErrNoResponders {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnreachable, to)
		}
		return nil, nil, err
	}
	var resp StateResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, nil, fmt.Errorf("decode state response: %w", err)
	}
	if resp.Error != nil {
		return nil, nil, FromWireError(resp.Error)
	}
	return resp.State, resp.Transfers, nil
}

// Listen subscribes to the node's inbound subjects.
func (s *natsService) Listen(handler Handler) error {
	sub, err := s.conn.Subscribe(proposalSubject(s.identity), func(msg *nats.Msg) {
		s.handleProposal(handler, msg)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.conn.Subscribe(stateSubject(s.identity), func(msg *nats.Msg) {
		s.handleStateRequest(handler, msg)
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *natsService) handleProposal(handler Handler, msg *nats.Msg) {
	var req ProposalRequest
	var resp ProposalResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Update == nil {
		resp.Error = &WireError{Code: channel.CodeValidation, Message: "malformed proposal request"}
		s.reply(msg, resp)
		return
	}
	update, err := handler.HandleProposedUpdate(context.Background(), req.Update)
	if err != nil {
		s.logger.Debugf("messaging: rejecting proposal for channel %s: %v", req.Update.ChannelAddress, err)
		resp.Error = ToWireError(err)
	} else {
		resp.Update = update
	}
	s.reply(msg, resp)
}

func (s *natsService) handleStateRequest(handler Handler, msg *nats.Msg) {
	var req StateRequest
	var resp StateResponse
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		resp.Error = &WireError{Code: channel.CodeValidation, Message: "malformed state request"}
		s.reply(msg, resp)
		return
	}
	state, err := handler.GetChannelState(req.ChannelAddress)
	if err != nil {
		resp.Error = ToWireError(err)
		s.reply(msg, resp)
		return
	}
	transfers, err := handler.GetActiveTransfers(req.ChannelAddress)
	if err != nil {
		resp.Error = ToWireError(err)
		s.reply(msg, resp)
		return
	}
	resp.State = state
	resp.Transfers = transfers
	s.reply(msg, resp)
}

func (s *natsService) reply(msg *nats.Msg, resp interface{}) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Errorf("messaging: encode reply: %v", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		s.logger.Errorf("messaging: send reply: %v", err)
	}
}

// Close drains the subscriptions and closes the connection.
func (s *natsService) Close() error {
	var errs *multierror.Error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.conn.Close()
	return errs.ErrorOrNil()
}
