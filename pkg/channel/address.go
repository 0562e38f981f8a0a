package channel

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// deploymentSalt namespaces channel address derivation across contract
// versions. Both participants, and the on-chain factory, derive the same
// address for a (alice, bob, chainID) triple.
var deploymentSalt = crypto.Keccak256([]byte("conduit-channel-v1"))

// DeriveChannelAddress computes the deterministic channel address for the
// ordered participant pair on the given chain.
func DeriveChannelAddress(alice, bob common.Address, chainID int64) common.Address {
	digest := crypto.Keccak256(
		alice.Bytes(),
		bob.Bytes(),
		new(big.Int).SetInt64(chainID).Bytes(),
		deploymentSalt,
	)
	return common.BytesToAddress(digest[12:])
}
