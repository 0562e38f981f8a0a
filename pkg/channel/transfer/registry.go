package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrUnknownDefinition is returned for transfer definitions the node
	// was not started with.
	ErrUnknownDefinition = errors.New("transfer: unknown definition")
	// ErrInvalidState is returned when a transfer's initial state is
	// malformed for its definition.
	ErrInvalidState = errors.New("transfer: invalid initial state")
	// ErrInvalidResolver is returned when a resolver payload does not
	// satisfy the transfer's resolution contract.
	ErrInvalidResolver = errors.New("transfer: invalid resolver")
)

// Definition is the capability set of one transfer type. Resolve must be a
// pure function of its inputs: the same computation is replayed on-chain
// during disputes.
type Definition interface {
	ID() DefinitionID
	// Validate checks that initialState is well formed for a transfer
	// locking amount with the given expiry.
	Validate(initialState json.RawMessage, amount *big.Int, expiry uint64) error
	// Resolve computes the final balance split from the initial state and
	// a resolver payload.
	Resolve(initialState, resolver json.RawMessage, amount *big.Int) (Balance, error)
	// Expired reports whether the transfer may be cancelled unilaterally.
	Expired(t *Transfer, now time.Time) bool
}

// Registry is the closed table of transfer definitions, populated once at
// process start.
type Registry struct {
	defs map[DefinitionID]Definition
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(defs ...Definition) *Registry {
	r := &Registry{defs: make(map[DefinitionID]Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.ID()] = d
	}
	return r
}

// DefaultRegistry returns the registry with all built-in definitions.
func DefaultRegistry() *Registry {
	return NewRegistry(NewHashlock(), NewLinked())
}

// Get looks a definition up by id.
func (r *Registry) Get(id DefinitionID) (Definition, error) {
	d, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, id)
	}
	return d, nil
}
