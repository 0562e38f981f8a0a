package transfer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// HashlockID resolves against a sha256 preimage.
	HashlockID DefinitionID = "hashlock"
	// LinkedID is the hashlock variant used for routed payments: an expiry
	// is mandatory so a router's obligation is always bounded in time.
	LinkedID DefinitionID = "linked"
)

// HashlockState is the initial state of a hashlock transfer.
type HashlockState struct {
	// LockHash is the sha256 hash of the secret preimage.
	LockHash common.Hash `json:"lockHash"`
}

// HashlockResolver reveals the preimage. An all-zero preimage cancels the
// transfer, returning the locked amount to the initiator.
type HashlockResolver struct {
	Preimage hexutil.Bytes `json:"preimage"`
}

// CancelResolver returns the resolver payload that cancels a hashlock or
// linked transfer.
func CancelResolver() json.RawMessage {
	payload, _ := json.Marshal(HashlockResolver{Preimage: make(hexutil.Bytes, 32)})
	return payload
}

type hashlock struct {
	id            DefinitionID
	requireExpiry bool
}

// NewHashlock returns the plain hashlock definition.
func NewHashlock() Definition {
	return &hashlock{id: HashlockID}
}

// NewLinked returns the routed-payment hashlock definition.
func NewLinked() Definition {
	return &hashlock{id: LinkedID, requireExpiry: true}
}

func (h *hashlock) ID() DefinitionID {
	return h.id
}

func (h *hashlock) Validate(initialState json.RawMessage, amount *big.Int, expiry uint64) error {
	var state HashlockState
	if err := json.Unmarshal(initialState, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if state.LockHash == (common.Hash{}) {
		return fmt.Errorf("%w: zero lock hash", ErrInvalidState)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidState)
	}
	if h.requireExpiry && expiry == 0 {
		return fmt.Errorf("%w: linked transfer requires expiry", ErrInvalidState)
	}
	return nil
}

func (h *hashlock) Resolve(initialState, resolver json.RawMessage, amount *big.Int) (Balance, error) {
	var state HashlockState
	if err := json.Unmarshal(initialState, &state); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var res HashlockResolver
	if err := json.Unmarshal(resolver, &res); err != nil {
		return Balance{}, fmt.Errorf("%w: %v", ErrInvalidResolver, err)
	}
	if len(res.Preimage) != 32 {
		return Balance{}, fmt.Errorf("%w: preimage must be 32 bytes", ErrInvalidResolver)
	}

	if isZero(res.Preimage) {
		// explicit cancellation, locked amount flows back
		return Balance{
			Initiator: new(big.Int).Set(amount),
			Responder: big.NewInt(0),
		}, nil
	}

	if common.Hash(sha256.Sum256(res.Preimage)) != state.LockHash {
		return Balance{}, fmt.Errorf("%w: preimage does not match lock hash", ErrInvalidResolver)
	}
	return Balance{
		Initiator: big.NewInt(0),
		Responder: new(big.Int).Set(amount),
	}, nil
}

func (h *hashlock) Expired(t *Transfer, now time.Time) bool {
	return t.Expiry != 0 && uint64(now.Unix()) >= t.Expiry
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
