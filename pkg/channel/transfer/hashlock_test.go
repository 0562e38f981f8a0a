package transfer_test

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/conduitnet/conduit/pkg/channel/transfer"
)

func lockedState(t *testing.T) (json.RawMessage, []byte) {
	t.Helper()
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		t.Fatal(err)
	}
	state, err := json.Marshal(transfer.HashlockState{
		LockHash: common.Hash(sha256.Sum256(preimage)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return state, preimage
}

func resolverFor(t *testing.T, preimage []byte) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(transfer.HashlockResolver{Preimage: preimage})
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestHashlockValidate(t *testing.T) {
	def := transfer.NewHashlock()
	state, _ := lockedState(t)

	if err := def.Validate(state, big.NewInt(10), 0); err != nil {
		t.Errorf("valid state rejected: %v", err)
	}

	zeroHash, _ := json.Marshal(transfer.HashlockState{})
	if err := def.Validate(zeroHash, big.NewInt(10), 0); !errors.Is(err, transfer.ErrInvalidState) {
		t.Errorf("zero lock hash accepted, got %v", err)
	}

	if err := def.Validate(state, big.NewInt(0), 0); !errors.Is(err, transfer.ErrInvalidState) {
		t.Errorf("zero amount accepted, got %v", err)
	}
}

func TestLinkedRequiresExpiry(t *testing.T) {
	def := transfer.NewLinked()
	state, _ := lockedState(t)

	if err := def.Validate(state, big.NewInt(10), 0); !errors.Is(err, transfer.ErrInvalidState) {
		t.Errorf("linked transfer without expiry accepted, got %v", err)
	}
	if err := def.Validate(state, big.NewInt(10), uint64(time.Now().Add(time.Hour).Unix())); err != nil {
		t.Errorf("linked transfer with expiry rejected: %v", err)
	}
}

func TestHashlockResolveWithPreimage(t *testing.T) {
	def := transfer.NewHashlock()
	state, preimage := lockedState(t)
	amount := big.NewInt(42)

	balance, err := def.Resolve(state, resolverFor(t, preimage), amount)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Responder.Cmp(amount) != 0 {
		t.Errorf("responder got %v, want %v", balance.Responder, amount)
	}
	if balance.Initiator.Sign() != 0 {
		t.Errorf("initiator got %v, want 0", balance.Initiator)
	}
}

func TestHashlockResolveWrongPreimage(t *testing.T) {
	def := transfer.NewHashlock()
	state, preimage := lockedState(t)
	preimage[0] ^= 0xff

	if _, err := def.Resolve(state, resolverFor(t, preimage), big.NewInt(42)); !errors.Is(err, transfer.ErrInvalidResolver) {
		t.Errorf("wrong preimage accepted, got %v", err)
	}
}

func TestHashlockResolveBadPreimageLength(t *testing.T) {
	def := transfer.NewHashlock()
	state, _ := lockedState(t)

	if _, err := def.Resolve(state, resolverFor(t, make(hexutil.Bytes, 16)), big.NewInt(42)); !errors.Is(err, transfer.ErrInvalidResolver) {
		t.Errorf("short preimage accepted, got %v", err)
	}
}

func TestHashlockCancel(t *testing.T) {
	def := transfer.NewHashlock()
	state, _ := lockedState(t)
	amount := big.NewInt(42)

	balance, err := def.Resolve(state, transfer.CancelResolver(), amount)
	if err != nil {
		t.Fatal(err)
	}
	if balance.Initiator.Cmp(amount) != 0 {
		t.Errorf("initiator got %v, want refund of %v", balance.Initiator, amount)
	}
	if balance.Responder.Sign() != 0 {
		t.Errorf("responder got %v, want 0", balance.Responder)
	}
}

func TestHashlockExpired(t *testing.T) {
	def := transfer.NewHashlock()
	now := time.Now()

	tr := &transfer.Transfer{Expiry: uint64(now.Add(time.Minute).Unix())}
	if def.Expired(tr, now) {
		t.Error("future expiry reported as expired")
	}
	if !def.Expired(tr, now.Add(2*time.Minute)) {
		t.Error("past expiry not reported as expired")
	}
	if def.Expired(&transfer.Transfer{}, now) {
		t.Error("zero expiry reported as expired")
	}
}

func TestRegistryUnknownDefinition(t *testing.T) {
	registry := transfer.NewRegistry(transfer.NewHashlock())
	if _, err := registry.Get("withdraw-helper"); !errors.Is(err, transfer.ErrUnknownDefinition) {
		t.Errorf("got %v, want %v", err, transfer.ErrUnknownDefinition)
	}
	if _, err := registry.Get(transfer.HashlockID); err != nil {
		t.Errorf("registered definition not found: %v", err)
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	channelAddress := common.HexToAddress("0x1")
	initiator := common.HexToAddress("0x2")
	state, _ := lockedState(t)

	a := transfer.ComputeID(channelAddress, initiator, transfer.HashlockID, state, 3)
	b := transfer.ComputeID(channelAddress, initiator, transfer.HashlockID, state, 3)
	if a != b {
		t.Error("same parameters produced different ids")
	}
	if c := transfer.ComputeID(channelAddress, initiator, transfer.HashlockID, state, 4); c == a {
		t.Error("different nonce produced the same id")
	}
}
