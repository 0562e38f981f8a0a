// Package transfer defines the conditional transfer types that can be locked
// inside a channel and the registry resolving them.
package transfer

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefinitionID tags the resolution semantics of a transfer.
type DefinitionID string

// Balance is the split of a transfer's locked amount between the party that
// locked it (initiator) and the in-channel counterparty (responder).
type Balance struct {
	Initiator *big.Int `json:"initiator"`
	Responder *big.Int `json:"responder"`
}

// Meta carries application level routing data. It is not part of the signed
// transfer state and never reaches the chain.
type Meta struct {
	// RoutingID correlates the inbound and outbound legs of a routed
	// payment. Zero for direct transfers.
	RoutingID common.Hash `json:"routingId,omitempty"`
	// Recipient is the identity the payment is ultimately destined for,
	// used by a router to pick the outbound channel.
	Recipient common.Address `json:"recipient,omitempty"`
}

// Transfer is a conditional, resolvable unit of value locked inside a
// channel. It is active (committed into the channel merkle root) from
// creation until resolution.
type Transfer struct {
	ID             common.Hash     `json:"id"`
	ChannelAddress common.Address  `json:"channelAddress"`
	Initiator      common.Address  `json:"initiator"`
	Responder      common.Address  `json:"responder"`
	Definition     DefinitionID    `json:"definition"`
	AssetID        common.Address  `json:"assetId"`
	Amount         *big.Int        `json:"amount"`
	InitialState   json.RawMessage `json:"initialState"`
	// Expiry is a unix timestamp after which the transfer may be cancelled
	// unilaterally. Zero means no expiry.
	Expiry      uint64 `json:"expiry,omitempty"`
	CreateNonce uint64 `json:"createNonce"`
	Meta        Meta   `json:"meta"`

	// ResolvedNonce is the channel nonce of the resolving update, zero
	// while the transfer is active.
	ResolvedNonce uint64  `json:"resolvedNonce,omitempty"`
	FinalBalance  Balance `json:"finalBalance,omitempty"`
}

// Active reports whether the transfer is still committed in the channel
// merkle root.
func (t *Transfer) Active() bool {
	return t.ResolvedNonce == 0
}

// ComputeID derives the deterministic transfer identifier from its creation
// parameters.
func ComputeID(channelAddress, initiator common.Address, definition DefinitionID, initialState []byte, createNonce uint64) common.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], createNonce)
	return crypto.Keccak256Hash(
		channelAddress.Bytes(),
		initiator.Bytes(),
		[]byte(definition),
		initialState,
		nonce[:],
	)
}

// StateHash is the merkle leaf committing to this transfer. It covers every
// field a dispute adjudicator needs to re-derive the outcome on-chain, and
// deliberately excludes Meta.
func (t *Transfer) StateHash() common.Hash {
	var expiry, createNonce [8]byte
	binary.BigEndian.PutUint64(expiry[:], t.Expiry)
	binary.BigEndian.PutUint64(createNonce[:], t.CreateNonce)
	return crypto.Keccak256Hash(
		t.ID.Bytes(),
		t.ChannelAddress.Bytes(),
		t.Initiator.Bytes(),
		t.Responder.Bytes(),
		[]byte(t.Definition),
		t.AssetID.Bytes(),
		t.Amount.Bytes(),
		t.InitialState,
		expiry[:],
		createNonce[:],
	)
}
