// Package merkle implements the pure Merkle-tree math behind the
// index-window engine (spec C6 "Merkle rules"): power-of-two leaf padding by
// duplicating the last leaf, canonicalized internal nodes, and direction-
// tagged inclusion proofs.
package merkle

import (
	"primordia/canonical"
	"primordia/kernelcrypto"
)

// Direction indicates which side of the current node a proof-path sibling
// sits on.
type Direction string

const (
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// ProofStep is one level of an inclusion proof.
type ProofStep struct {
	Sibling   string    `json:"sibling"`
	Direction Direction `json:"direction"`
}

// emptyRoot is the canonical root hash of a window with zero leaves.
func emptyRoot() string {
	b, _ := canonical.Canonicalize(map[string]canonical.Value{"empty": true})
	return kernelcrypto.Hash(b)
}

func node(left, right string) string {
	b, _ := canonical.Canonicalize(map[string]canonical.Value{"left": left, "right": right})
	return kernelcrypto.Hash(b)
}

// padToPowerOfTwo duplicates the last leaf once to reach the next power of
// two, per spec §4.6 ("the duplication happens once at the leaves" rather
// than hashing a node with itself at each odd level).
func padToPowerOfTwo(leaves []string) []string {
	n := len(leaves)
	if n == 0 {
		return leaves
	}
	size := 1
	for size < n {
		size *= 2
	}
	if size == n {
		return leaves
	}
	padded := make([]string, size)
	copy(padded, leaves)
	last := leaves[n-1]
	for i := n; i < size; i++ {
		padded[i] = last
	}
	return padded
}

// Root computes the Merkle root over leaves in order.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return emptyRoot()
	}
	level := padToPowerOfTwo(leaves)
	for len(level) > 1 {
		next := make([]string, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = node(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// Proof derives the inclusion proof path for the leaf at position within
// leaves, alongside the direction of each sibling.
func Proof(leaves []string, position int) []ProofStep {
	if len(leaves) == 0 || position < 0 || position >= len(leaves) {
		return nil
	}
	level := padToPowerOfTwo(leaves)
	idx := position
	var path []ProofStep
	for len(level) > 1 {
		var step ProofStep
		if idx%2 == 0 {
			step = ProofStep{Sibling: level[idx+1], Direction: DirectionRight}
		} else {
			step = ProofStep{Sibling: level[idx-1], Direction: DirectionLeft}
		}
		path = append(path, step)

		next := make([]string, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = node(level[2*i], level[2*i+1])
		}
		level = next
		idx /= 2
	}
	return path
}

// VerifyProof walks path from leafHash and checks the result equals
// rootHash. Pure function; never mutates input.
func VerifyProof(leafHash string, path []ProofStep, rootHash string) bool {
	current := leafHash
	for _, step := range path {
		switch step.Direction {
		case DirectionLeft:
			current = node(step.Sibling, current)
		case DirectionRight:
			current = node(current, step.Sibling)
		default:
			return false
		}
	}
	return current == rootHash
}
