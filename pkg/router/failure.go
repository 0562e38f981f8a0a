package router

import (
	"fmt"

	"github.com/conduitnet/conduit/pkg/channel/transfer"
	"github.com/conduitnet/conduit/pkg/storage"
	"github.com/ethereum/go-ethereum/common"
)

const failurePrefix = "router_failure_"

// ForwardingFailure records a routed payment the engine could not keep
// symmetric. Failures are never silently dropped; they stay persisted until
// the affected leg settles and are replayed by the recovery pass on Start.
type ForwardingFailure struct {
	RoutingID      common.Hash    `json:"routingId"`
	TransferID     common.Hash    `json:"transferId"`
	ChannelAddress common.Address `json:"channelAddress"`
	Reason         string         `json:"reason"`
	At             int64          `json:"at"`
}

func failureKey(routingID, transferID common.Hash) string {
	return fmt.Sprintf("%s%x_%x", failurePrefix, routingID, transferID)
}

func (s *Service) recordFailure(leg *transfer.Transfer, cause error) {
	s.metrics.ForwardingFailures.Inc()
	failure := &ForwardingFailure{
		RoutingID:      leg.Meta.RoutingID,
		TransferID:     leg.ID,
		ChannelAddress: leg.ChannelAddress,
		Reason:         cause.Error(),
		At:             s.clock.Now().Unix(),
	}
	if err := s.store.Put(failureKey(failure.RoutingID, failure.TransferID), failure); err != nil {
		s.logger.Errorf("router: persist forwarding failure for payment %s: %v", failure.RoutingID, err)
	}
}

func (s *Service) clearFailure(routingID, transferID common.Hash) {
	err := s.store.Delete(failureKey(routingID, transferID))
	if err != nil && err != storage.ErrNotFound {
		s.logger.Errorf("router: clear forwarding failure for payment %s: %v", routingID, err)
	}
}

// Failures lists the persisted forwarding failures.
func (s *Service) Failures() ([]*ForwardingFailure, error) {
	var failures []*ForwardingFailure
	err := s.store.Iterate(failurePrefix, func(key, _ []byte) (bool, error) {
		var f ForwardingFailure
		if err := s.store.Get(string(key), &f); err != nil {
			return false, err
		}
		failures = append(failures, &f)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return failures, nil
}
