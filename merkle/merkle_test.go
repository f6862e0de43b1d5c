package merkle

import "testing"

import "github.com/stretchr/testify/require"

func TestEmptyTreeRoot(t *testing.T) {
	require.Equal(t, emptyRoot(), Root(nil))
}

func TestRootDeterministic(t *testing.T) {
	leaves := []string{"a", "b", "c", "d"}
	r1 := Root(leaves)
	r2 := Root(append([]string(nil), leaves...))
	require.Equal(t, r1, r2)
}

func TestProofVerifiesForEveryLeaf(t *testing.T) {
	leaves := []string{"l0", "l1", "l2", "l3"}
	root := Root(leaves)
	for i, leaf := range leaves {
		path := Proof(leaves, i)
		require.True(t, VerifyProof(leaf, path, root), "leaf %d should verify", i)
	}
}

func TestTamperedSiblingFailsVerification(t *testing.T) {
	leaves := []string{"l0", "l1", "l2", "l3"}
	root := Root(leaves)
	path := Proof(leaves, 2)
	require.True(t, VerifyProof(leaves[2], path, root))

	tampered := append([]ProofStep(nil), path...)
	tampered[0].Sibling = "corrupted"
	require.False(t, VerifyProof(leaves[2], tampered, root))
}

func TestOddLeafCountPadsByDuplicatingLast(t *testing.T) {
	leaves := []string{"l0", "l1", "l2"}
	root := Root(leaves)
	padded := Root([]string{"l0", "l1", "l2", "l2"})
	require.Equal(t, padded, root)
}
