package router

import (
	"context"
	"fmt"
	"math/big"

	"github.com/conduitnet/conduit/pkg/channel"
	"github.com/conduitnet/conduit/pkg/logging"
	"github.com/ethereum/go-ethereum/common"
)

// Funder moves on-chain funds into a channel on the router's behalf.
type Funder interface {
	Deposit(ctx context.Context, channelAddress, asset common.Address, amount *big.Int) (common.Hash, error)
}

// CollateralProfile bounds the router's exposure in one asset.
type CollateralProfile struct {
	// Target is the balance the router tops an outbound channel up to
	// when collateral runs short.
	Target *big.Int
	// Ceiling caps the router's total balance in a channel. Requests
	// beyond it fail instead of depositing.
	Ceiling *big.Int
}

// CollateralManager tops outbound channels up before forwarding. All balance
// reads and deposits happen under the channel lock held by the caller.
type CollateralManager struct {
	logger   logging.Logger
	channels *channel.Service
	funder   Funder
	profiles map[common.Address]CollateralProfile
}

// NewCollateralManager creates the manager with per-asset profiles.
func NewCollateralManager(logger logging.Logger, channels *channel.Service, funder Funder, profiles map[common.Address]CollateralProfile) *CollateralManager {
	return &CollateralManager{
		logger:   logger,
		channels: channels,
		funder:   funder,
		profiles: profiles,
	}
}

// RequestCollateral tops the channel up to the asset's profile target.
func (m *CollateralManager) RequestCollateral(ctx context.Context, channelAddress, asset common.Address) error {
	profile, ok := m.profiles[asset]
	if !ok {
		return fmt.Errorf("%w: no collateral profile for asset %s", ErrInsufficientCollateral, asset)
	}
	return m.channels.WithChannelsLocked(ctx, []common.Address{channelAddress}, func(ctx context.Context) error {
		return m.Ensure(ctx, channelAddress, asset, profile.Target)
	})
}

// Ensure makes the router's balance of asset in the channel cover required,
// depositing up to the profile target when it does not. Returns
// ErrInsufficientCollateral when the ceiling or a missing profile prevents
// covering the requirement.
func (m *CollateralManager) Ensure(ctx context.Context, channelAddress, asset common.Address, required *big.Int) error {
	available, err := m.balance(channelAddress, asset)
	if err != nil {
		return err
	}
	if available.Cmp(required) >= 0 {
		return nil
	}

	profile, ok := m.profiles[asset]
	if !ok {
		return fmt.Errorf("%w: no collateral profile for asset %s, need %s have %s", ErrInsufficientCollateral, asset, required, available)
	}

	target := new(big.Int).Set(profile.Target)
	if target.Cmp(required) < 0 {
		target.Set(required)
	}
	if profile.Ceiling != nil && target.Cmp(profile.Ceiling) > 0 {
		if profile.Ceiling.Cmp(required) < 0 {
			return fmt.Errorf("%w: requirement %s exceeds ceiling %s for asset %s", ErrInsufficientCollateral, required, profile.Ceiling, asset)
		}
		target.Set(profile.Ceiling)
	}

	amount := new(big.Int).Sub(target, available)
	m.logger.Debugf("router: collateralizing channel %s with %s of asset %s", channelAddress, amount, asset)

	txHash, err := m.funder.Deposit(ctx, channelAddress, asset, amount)
	if err != nil {
		return fmt.Errorf("%w: deposit failed: %v", ErrInsufficientCollateral, err)
	}
	m.logger.Tracef("router: collateral deposit tx %s", txHash)

	// Reconcile the new on-chain total into the channel balance.
	if _, err := m.channels.ProposeDeposit(ctx, channelAddress, asset); err != nil {
		return fmt.Errorf("%w: reconcile deposit: %v", ErrInsufficientCollateral, err)
	}

	available, err = m.balance(channelAddress, asset)
	if err != nil {
		return err
	}
	if available.Cmp(required) < 0 {
		return fmt.Errorf("%w: need %s have %s after collateralization", ErrInsufficientCollateral, required, available)
	}
	return nil
}

// balance returns the router's side of the channel balance for asset.
func (m *CollateralManager) balance(channelAddress, asset common.Address) (*big.Int, error) {
	state, err := m.channels.GetChannelState(channelAddress)
	if err != nil {
		return nil, err
	}
	pair := state.BalanceFor(asset)
	if pair == nil {
		return big.NewInt(0), nil
	}
	if m.channels.Identity() == state.Alice {
		return pair.Alice, nil
	}
	return pair.Bob, nil
}
