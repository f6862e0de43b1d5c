package merkle

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"primordia/kernelcrypto"
	"primordia/storage"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))
	return db
}

func TestWindowLifecycleAndProof(t *testing.T) {
	db := openTestDB(t)
	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	store := NewIndexStore(db, func() time.Time { return time.Unix(1000, 0) }, kp.PublicHex, kp.PrivateHex)
	ctx := context.Background()

	win, err := store.OpenWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, "open", win.Status)
	require.Nil(t, win.PreviousWindowID)

	var leafHashes []string
	for i := 0; i < 3; i++ {
		res, err := store.Submit(ctx, "msr", "payloadhash"+string(rune('a'+i)))
		require.NoError(t, err)
		require.Equal(t, int64(i), res.Position)
		leafHashes = append(leafHashes, res.LeafHash)
	}

	closed, err := store.CloseWindow(ctx)
	require.NoError(t, err)
	require.Equal(t, "closed", closed.Status)
	require.NotNil(t, closed.RootHash)
	require.NotNil(t, closed.KernelSignature)
	require.Equal(t, int64(3), closed.LeafCount)

	head, err := store.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, closed.ID, head.WindowID)
	require.Equal(t, "closed", head.Status)

	for _, lh := range leafHashes {
		proof, err := store.Proof(ctx, closed.ID, lh)
		require.NoError(t, err)
		require.NotNil(t, proof)
		require.True(t, VerifyInclusion(proof))
	}
}

func TestSubmitFailsWithoutOpenWindow(t *testing.T) {
	db := openTestDB(t)
	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	store := NewIndexStore(db, nil, kp.PublicHex, kp.PrivateHex)
	ctx := context.Background()

	_, err = store.Submit(ctx, "msr", "hash")
	require.Error(t, err)
}

func TestSecondWindowChainsToPrevious(t *testing.T) {
	db := openTestDB(t)
	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	store := NewIndexStore(db, func() time.Time { return time.Unix(2000, 0) }, kp.PublicHex, kp.PrivateHex)
	ctx := context.Background()

	first, err := store.OpenWindow(ctx)
	require.NoError(t, err)
	_, err = store.Submit(ctx, "ian", "h1")
	require.NoError(t, err)
	closedFirst, err := store.CloseWindow(ctx)
	require.NoError(t, err)

	second, err := store.OpenWindow(ctx)
	require.NoError(t, err)
	require.NotNil(t, second.PreviousWindowID)
	require.Equal(t, first.ID, *second.PreviousWindowID)
	require.Equal(t, *closedFirst.RootHash, *second.PreviousRootHash)
}
