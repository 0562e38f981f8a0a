// Package merkle builds commitment trees over the set of active transfers in
// a channel. Trees are immutable: every state transition constructs a fresh
// tree, so roots referenced by in-flight dispute proofs stay valid.
package merkle

import (
	"bytes"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrLeafNotFound is returned when a proof is requested for a leaf that is
// not part of the tree.
var ErrLeafNotFound = errors.New("merkle: leaf not found")

// Tree is a keccak256 merkle tree over 32 byte leaves. Leaves are sorted and
// sibling pairs are hashed in byte order, so proofs carry no position bits
// and the root is independent of insertion order.
type Tree struct {
	leaves []common.Hash
	layers [][]common.Hash
}

// NewTree constructs a tree from the given leaves. Duplicates are kept. An
// empty leaf set yields the zero root.
func NewTree(leaves []common.Hash) *Tree {
	sorted := make([]common.Hash, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	t := &Tree{leaves: sorted}
	if len(sorted) == 0 {
		return t
	}

	layer := sorted
	t.layers = append(t.layers, layer)
	for len(layer) > 1 {
		next := make([]common.Hash, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				// odd node is promoted unchanged
				next = append(next, layer[i])
				continue
			}
			next = append(next, hashPair(layer[i], layer[i+1]))
		}
		t.layers = append(t.layers, next)
		layer = next
	}
	return t
}

// Root returns the tree's commitment. The zero hash commits to an empty
// transfer set.
func (t *Tree) Root() common.Hash {
	if len(t.layers) == 0 {
		return common.Hash{}
	}
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Proof produces the sibling path for leaf, suitable for on-chain
// verification of transfer inclusion during a dispute.
func (t *Tree) Proof(leaf common.Hash) ([]common.Hash, error) {
	if len(t.layers) == 0 {
		return nil, ErrLeafNotFound
	}

	index := -1
	for i, l := range t.layers[0] {
		if l == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, ErrLeafNotFound
	}

	var proof []common.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof, nil
}

// Verify checks that leaf is committed to by root under the given sibling
// path.
func Verify(root, leaf common.Hash, proof []common.Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}
