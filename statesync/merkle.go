package statesync

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrEmptyTree = errors.New("merkle tree requires at least one leaf")

// MerkleTree is a binary hash tree over a fixed set of leaves. Levels
// are stored bottom up; an odd node at any level is paired with itself.
type MerkleTree struct {
	levels [][][32]byte
}

// NewMerkleTree builds a tree over the given leaf data, in order
func NewMerkleTree(leaves [][]byte) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([][32]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = sha256.Sum256(leaf)
	}

	tree := &MerkleTree{levels: [][][32]byte{level}}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		tree.levels = append(tree.levels, next)
		level = next
	}
	return tree, nil
}

func hashPair(left, right [32]byte) [32]byte {
	combined := make([]byte, 0, 64)
	combined = append(combined, left[:]...)
	combined = append(combined, right[:]...)
	return sha256.Sum256(combined)
}

// Root returns the tree's root hash
func (t *MerkleTree) Root() [32]byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// RootHex returns the root hash as a hex string
func (t *MerkleTree) RootHex() string {
	root := t.Root()
	return hex.EncodeToString(root[:])
}

// LeafCount returns the number of leaves
func (t *MerkleTree) LeafCount() int {
	return len(t.levels[0])
}

// ProofStep is one sibling hash on the path from a leaf to the root
type ProofStep struct {
	Hash  [32]byte
	Right bool
}

// Proof returns the inclusion proof for the leaf at index
func (t *MerkleTree) Proof(index int) ([]ProofStep, error) {
	if index < 0 || index >= t.LeafCount() {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", index, t.LeafCount())
	}

	var proof []ProofStep
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		proof = append(proof, ProofStep{
			Hash:  level[sibling],
			Right: sibling >= index,
		})
		index /= 2
	}
	return proof, nil
}

// VerifyProof checks a leaf's inclusion proof against a root hash
func VerifyProof(leaf []byte, proof []ProofStep, root [32]byte) bool {
	current := sha256.Sum256(leaf)
	for _, step := range proof {
		if step.Right {
			current = hashPair(current, step.Hash)
		} else {
			current = hashPair(step.Hash, current)
		}
	}
	return current == root
}
