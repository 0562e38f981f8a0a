package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduitnet/conduit/pkg/channel/merkle"
	"github.com/conduitnet/conduit/pkg/channel/transfer"
)

// applyUpdate deterministically recomputes the state resulting from applying
// update to prev. It never mutates prev or the active transfer set, so both
// sides of a proposal derive the identical state to sign. prev is nil for
// setup updates. The returned transfer is the one created or resolved, nil
// for other update types.
func applyUpdate(prev *ChannelState, update *Update, active []*transfer.Transfer, registry *transfer.Registry, now time.Time) (*ChannelState, *transfer.Transfer, error) {
	if update.Type == UpdateTypeSetup {
		state, err := applySetup(update)
		return state, nil, err
	}

	if prev == nil {
		return nil, nil, ErrChannelNotFound
	}
	if prev.Dispute != nil {
		return nil, nil, ErrChannelDisputed
	}
	if update.Nonce != prev.Nonce+1 {
		return nil, nil, fmt.Errorf("%w: update targets nonce %d, channel at %d", ErrNonceMismatch, update.Nonce, prev.Nonce)
	}
	if !prev.Participant(update.Initiator) {
		return nil, nil, fmt.Errorf("%w: initiator %s is not a participant", ErrTransitionRejected, update.Initiator)
	}

	next := prev.Clone()
	next.Nonce = update.Nonce

	switch update.Type {
	case UpdateTypeDeposit:
		if err := applyDeposit(next, update); err != nil {
			return nil, nil, err
		}
		return next, nil, nil
	case UpdateTypeCreate:
		t, err := applyCreate(next, update, active, registry, now)
		if err != nil {
			return nil, nil, err
		}
		return next, t, nil
	case UpdateTypeResolve:
		t, err := applyResolve(next, update, active, registry, now)
		if err != nil {
			return nil, nil, err
		}
		return next, t, nil
	case UpdateTypeWithdraw:
		if err := applyWithdraw(next, update); err != nil {
			return nil, nil, err
		}
		return next, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown update type %q", ErrTransitionRejected, update.Type)
	}
}

func applySetup(update *Update) (*ChannelState, error) {
	if update.Nonce != 1 {
		return nil, fmt.Errorf("%w: setup must target nonce 1", ErrNonceMismatch)
	}
	var details SetupDetails
	if err := json.Unmarshal(update.Details, &details); err != nil {
		return nil, fmt.Errorf("%w: setup details: %v", ErrTransitionRejected, err)
	}
	if details.Alice == details.Bob {
		return nil, fmt.Errorf("%w: participants must differ", ErrTransitionRejected)
	}
	if details.Timeout == 0 {
		return nil, fmt.Errorf("%w: zero challenge period", ErrTransitionRejected)
	}
	derived := DeriveChannelAddress(details.Alice, details.Bob, details.ChainID)
	if derived != update.ChannelAddress {
		return nil, fmt.Errorf("%w: channel address %s does not derive from participants", ErrTransitionRejected, update.ChannelAddress)
	}
	return &ChannelState{
		ChannelAddress: derived,
		Alice:          details.Alice,
		Bob:            details.Bob,
		ChainID:        details.ChainID,
		Timeout:        details.Timeout,
		Nonce:          1,
	}, nil
}

func applyDeposit(state *ChannelState, update *Update) error {
	var details DepositDetails
	if err := json.Unmarshal(update.Details, &details); err != nil {
		return fmt.Errorf("%w: deposit details: %v", ErrTransitionRejected, err)
	}
	if details.TotalDepositsAlice == nil || details.TotalDepositsBob == nil {
		return fmt.Errorf("%w: missing deposit totals", ErrTransitionRejected)
	}

	idx := state.AssetIndex(update.AssetID)
	if idx < 0 {
		state.Assets = append(state.Assets, update.AssetID)
		state.Balances = append(state.Balances, &Balance{Alice: big.NewInt(0), Bob: big.NewInt(0)})
		state.ProcessedDepositsAlice = append(state.ProcessedDepositsAlice, big.NewInt(0))
		state.ProcessedDepositsBob = append(state.ProcessedDepositsBob, big.NewInt(0))
		idx = len(state.Assets) - 1
	}

	deltaAlice := new(big.Int).Sub(details.TotalDepositsAlice, state.ProcessedDepositsAlice[idx])
	deltaBob := new(big.Int).Sub(details.TotalDepositsBob, state.ProcessedDepositsBob[idx])
	if deltaAlice.Sign() < 0 || deltaBob.Sign() < 0 {
		return fmt.Errorf("%w: deposit totals decreased", ErrTransitionRejected)
	}
	if deltaAlice.Sign() == 0 && deltaBob.Sign() == 0 {
		return fmt.Errorf("%w: no unprocessed deposits", ErrTransitionRejected)
	}

	state.Balances[idx].Alice.Add(state.Balances[idx].Alice, deltaAlice)
	state.Balances[idx].Bob.Add(state.Balances[idx].Bob, deltaBob)
	state.ProcessedDepositsAlice[idx].Set(details.TotalDepositsAlice)
	state.ProcessedDepositsBob[idx].Set(details.TotalDepositsBob)
	return nil
}

func applyCreate(state *ChannelState, update *Update, active []*transfer.Transfer, registry *transfer.Registry, now time.Time) (*transfer.Transfer, error) {
	var details CreateDetails
	if err := json.Unmarshal(update.Details, &details); err != nil {
		return nil, fmt.Errorf("%w: create details: %v", ErrTransitionRejected, err)
	}

	def, err := registry.Get(details.Definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransitionRejected, err)
	}
	if err := def.Validate(details.InitialState, details.Amount, details.Expiry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransitionRejected, err)
	}
	if details.Expiry != 0 && details.Expiry <= uint64(now.Unix()) {
		return nil, fmt.Errorf("%w: transfer already expired", ErrTransitionRejected)
	}

	idx := state.AssetIndex(update.AssetID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: asset %s not funded", ErrTransitionRejected, update.AssetID)
	}
	if err := debit(state, idx, update.Initiator, details.Amount); err != nil {
		return nil, err
	}

	id := transfer.ComputeID(state.ChannelAddress, update.Initiator, details.Definition, details.InitialState, update.Nonce)
	if id != details.TransferID {
		return nil, fmt.Errorf("%w: transfer id does not derive from parameters", ErrTransitionRejected)
	}

	t := &transfer.Transfer{
		ID:             id,
		ChannelAddress: state.ChannelAddress,
		Initiator:      update.Initiator,
		Responder:      state.Counterparty(update.Initiator),
		Definition:     details.Definition,
		AssetID:        update.AssetID,
		Amount:         new(big.Int).Set(details.Amount),
		InitialState:   details.InitialState,
		Expiry:         details.Expiry,
		CreateNonce:    update.Nonce,
		Meta:           details.Meta,
	}

	root := activeRoot(append(activeCopy(active), t))
	if root != details.MerkleRoot {
		return nil, fmt.Errorf("%w: merkle root mismatch", ErrTransitionRejected)
	}
	state.MerkleRoot = root
	return t, nil
}

func applyResolve(state *ChannelState, update *Update, active []*transfer.Transfer, registry *transfer.Registry, now time.Time) (*transfer.Transfer, error) {
	var details ResolveDetails
	if err := json.Unmarshal(update.Details, &details); err != nil {
		return nil, fmt.Errorf("%w: resolve details: %v", ErrTransitionRejected, err)
	}

	var target *transfer.Transfer
	remaining := make([]*transfer.Transfer, 0, len(active))
	for _, t := range active {
		if t.ID == details.TransferID {
			target = t
			continue
		}
		remaining = append(remaining, t)
	}
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, details.TransferID)
	}

	def, err := registry.Get(target.Definition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransitionRejected, err)
	}
	split, err := def.Resolve(target.InitialState, details.Resolver, target.Amount)
	if err != nil {
		if errors.Is(err, transfer.ErrInvalidResolver) {
			return nil, fmt.Errorf("%w: %v", ErrResolverInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransitionRejected, err)
	}
	// Past expiry only the refund path remains. A resolution still paying
	// the responder would void the expiry the initiator relied on.
	if def.Expired(target, now) && split.Responder.Sign() != 0 {
		return nil, fmt.Errorf("%w: transfer expired at %d", ErrTransitionRejected, target.Expiry)
	}

	root := activeRoot(remaining)
	if root != details.MerkleRoot {
		return nil, fmt.Errorf("%w: merkle root mismatch", ErrTransitionRejected)
	}
	state.MerkleRoot = root

	idx := state.AssetIndex(target.AssetID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: asset %s not funded", ErrTransitionRejected, target.AssetID)
	}
	credit(state, idx, target.Initiator, split.Initiator)
	credit(state, idx, target.Responder, split.Responder)

	resolved := *target
	resolved.ResolvedNonce = update.Nonce
	resolved.FinalBalance = split
	return &resolved, nil
}

func applyWithdraw(state *ChannelState, update *Update) error {
	var details WithdrawDetails
	if err := json.Unmarshal(update.Details, &details); err != nil {
		return fmt.Errorf("%w: withdraw details: %v", ErrTransitionRejected, err)
	}
	if details.Amount == nil || details.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: withdraw amount must be positive", ErrTransitionRejected)
	}
	idx := state.AssetIndex(update.AssetID)
	if idx < 0 {
		return fmt.Errorf("%w: asset %s not funded", ErrTransitionRejected, update.AssetID)
	}
	return debit(state, idx, update.Initiator, details.Amount)
}

// debit removes amount from the initiator's side of the balance pair.
func debit(state *ChannelState, idx int, party common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrTransitionRejected)
	}
	b := state.Balances[idx]
	side := b.Bob
	if party == state.Alice {
		side = b.Alice
	}
	if side.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient balance, have %s need %s", ErrTransitionRejected, side, amount)
	}
	side.Sub(side, amount)
	return nil
}

func credit(state *ChannelState, idx int, party common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	b := state.Balances[idx]
	if party == state.Alice {
		b.Alice.Add(b.Alice, amount)
		return
	}
	b.Bob.Add(b.Bob, amount)
}

// activeRoot rebuilds the merkle commitment over the given transfer set.
func activeRoot(active []*transfer.Transfer) common.Hash {
	leaves := make([]common.Hash, len(active))
	for i, t := range active {
		leaves[i] = t.StateHash()
	}
	return merkle.NewTree(leaves).Root()
}

func activeCopy(active []*transfer.Transfer) []*transfer.Transfer {
	return append([]*transfer.Transfer(nil), active...)
}
