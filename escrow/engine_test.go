package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"primordia/kernelcrypto"
	"primordia/ledger"
	"primordia/receipts"
	"primordia/storage"
)

func testEngine(t *testing.T) (*Engine, *gorm.DB, string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	clock := int64(1_700_000_000_000)
	factory := receipts.NewFactory(kp.PublicHex, kp.PrivateHex, func() int64 {
		clock++
		return clock
	})
	wallet := ledger.NewWallet(db, func() time.Time { return time.UnixMilli(clock) })
	engine := NewEngine(db, wallet, factory, func() time.Time { return time.UnixMilli(clock) })
	return engine, db, kp.PublicHex
}

func TestCreateReleaseRoundTrip(t *testing.T) {
	engine, db, kernelPublicHex := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)

	_, err := wallet.Credit(ctx, "buyer-1", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	createRes, err := engine.Create(ctx, CreateInput{
		Buyer: "buyer-1", Seller: "seller-1", AmountUSDMicros: 50_000_000,
		Description: "widget batch", ExpiresAt: 1_700_100_000_000, RequestHash: "r-create-1",
	})
	require.NoError(t, err)
	require.Equal(t, string(StatusLocked), createRes.Escrow.Status)

	buyerBalance, err := wallet.GetBalance(ctx, "buyer-1")
	require.NoError(t, err)
	require.Equal(t, int64(950_000_000), buyerBalance)

	releaseRes, err := engine.Release(ctx, ReleaseInput{
		EscrowID: createRes.Escrow.ID, Caller: "buyer-1", RequestHash: "r-release-1",
	})
	require.NoError(t, err)
	require.Equal(t, string(StatusReleased), releaseRes.Escrow.Status)
	require.True(t, receipts.Verify(releaseRes.Receipt, kernelPublicHex))

	sellerBalance, err := wallet.GetBalance(ctx, "seller-1")
	require.NoError(t, err)
	require.Equal(t, int64(50_000_000), sellerBalance)
}

func TestReleaseRequiresBuyer(t *testing.T) {
	engine, db, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "buyer-2", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	createRes, err := engine.Create(ctx, CreateInput{
		Buyer: "buyer-2", Seller: "seller-2", AmountUSDMicros: 10_000_000,
		ExpiresAt: 1_700_100_000_000, RequestHash: "r-create-2",
	})
	require.NoError(t, err)

	_, err = engine.Release(ctx, ReleaseInput{EscrowID: createRes.Escrow.ID, Caller: "seller-2", RequestHash: "r-release-2"})
	require.ErrorIs(t, err, ErrNotBuyer)
}

func TestDisputeAndDefaultResolve(t *testing.T) {
	engine, db, kernelPublicHex := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "buyer-3", 30_000_000_000, "topup", "seed")
	require.NoError(t, err)

	createRes, err := engine.Create(ctx, CreateInput{
		Buyer: "buyer-3", Seller: "seller-3", AmountUSDMicros: 30_000_000,
		ExpiresAt: 1_700_100_000_000, RequestHash: "r-create-3",
	})
	require.NoError(t, err)

	disputeRes, err := engine.Dispute(ctx, DisputeInput{EscrowID: createRes.Escrow.ID, Caller: "seller-3", RequestHash: "r-dispute-3"})
	require.NoError(t, err)
	require.Equal(t, string(StatusDisputed), disputeRes.Escrow.Status)

	resolveRes, err := engine.DefaultResolve(ctx, DefaultResolveInput{
		EscrowID: createRes.Escrow.ID, ReleaseToSeller: true, RequestHash: "r-resolve-3",
	})
	require.NoError(t, err)
	require.Equal(t, string(StatusReleased), resolveRes.Escrow.Status)
	require.Equal(t, int64(25_000_000_000), resolveRes.FeeCharged)
	require.True(t, receipts.Verify(resolveRes.Receipt, kernelPublicHex))

	sellerBalance, err := wallet.GetBalance(ctx, "seller-3")
	require.NoError(t, err)
	require.Equal(t, int64(30_000_000), sellerBalance)
}

func TestReleaseIsIdempotent(t *testing.T) {
	engine, db, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "buyer-5", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	createRes, err := engine.Create(ctx, CreateInput{
		Buyer: "buyer-5", Seller: "seller-5", AmountUSDMicros: 10_000_000,
		ExpiresAt: 1_700_100_000_000, RequestHash: "r-create-5",
	})
	require.NoError(t, err)

	first, err := engine.Release(ctx, ReleaseInput{EscrowID: createRes.Escrow.ID, Caller: "buyer-5", RequestHash: "r-release-5"})
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := engine.Release(ctx, ReleaseInput{EscrowID: createRes.Escrow.ID, Caller: "buyer-5", RequestHash: "r-release-5"})
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Receipt.ReceiptHash, second.Receipt.ReceiptHash)

	sellerBalance, err := wallet.GetBalance(ctx, "seller-5")
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), sellerBalance)
}

func TestExpireRefundsBuyer(t *testing.T) {
	engine, db, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "buyer-4", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	createRes, err := engine.Create(ctx, CreateInput{
		Buyer: "buyer-4", Seller: "seller-4", AmountUSDMicros: 20_000_000,
		ExpiresAt: 1_700_000_000_500, RequestHash: "r-create-4",
	})
	require.NoError(t, err)

	expired, err := engine.Expire(ctx, createRes.Escrow.ID, 1_700_000_000_600)
	require.NoError(t, err)
	require.Equal(t, string(StatusExpired), expired.Status)

	buyerBalance, err := wallet.GetBalance(ctx, "buyer-4")
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000), buyerBalance)
}
