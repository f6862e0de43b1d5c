package credit

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

// seal inserts a conformance seal for agent so line.open's seal gate passes.
func seal(t *testing.T, db *gorm.DB, agent string) {
	t.Helper()
	require.NoError(t, db.Create(&storage.Seal{Target: agent, ConformanceHash: "c", IssuedAtMS: 1, ReceiptHash: "r"}).Error)
}

func TestOpenDrawRoundTrip(t *testing.T) {
	engine, db, kernelPublicHex := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)

	_, err := wallet.Credit(ctx, "borrower-1", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)
	seal(t, db, "borrower-1")

	openRes, err := engine.Open(ctx, OpenInput{
		Borrower: "borrower-1", Lender: "primordia:treasury",
		LimitUSDMicros: 100_000_000, RequestHash: "r-open-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(50_000_000), openRes.FeeCharged)
	require.True(t, receipts.Verify(openRes.Receipt, kernelPublicHex))

	drawRes, err := engine.Draw(ctx, DrawInput{
		CreditLineID: openRes.Line.ID, Caller: "borrower-1",
		AmountUSDMicros: 10_000_000, RequestHash: "r-draw-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), drawRes.FeeCharged)
	require.Equal(t, int64(10_000_000), drawRes.Position.PrincipalUSDMicros)

	replay, err := engine.Draw(ctx, DrawInput{
		CreditLineID: openRes.Line.ID, Caller: "borrower-1",
		AmountUSDMicros: 10_000_000, RequestHash: "r-draw-1",
	})
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, int64(0), replay.FeeCharged)
}

func TestDrawExceedsLimitFails(t *testing.T) {
	engine, db, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "borrower-2", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)
	seal(t, db, "borrower-2")

	openRes, err := engine.Open(ctx, OpenInput{
		Borrower: "borrower-2", Lender: "primordia:treasury",
		LimitUSDMicros: 100_000_000, RequestHash: "r-open-2",
	})
	require.NoError(t, err)

	_, err = engine.Draw(ctx, DrawInput{
		CreditLineID: openRes.Line.ID, Caller: "borrower-2",
		AmountUSDMicros: 200_000_000, RequestHash: "r-draw-2",
	})
	require.Error(t, err)
}

func TestLiquidationWaterfall(t *testing.T) {
	engine, db, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "borrower-3", 10_000_000_000, "topup", "seed")
	require.NoError(t, err)
	seal(t, db, "borrower-3")

	openRes, err := engine.Open(ctx, OpenInput{
		Borrower: "borrower-3", Lender: "primordia:treasury",
		LimitUSDMicros: 1_000, RequestHash: "r-open-3",
	})
	require.NoError(t, err)

	_, err = engine.Draw(ctx, DrawInput{CreditLineID: openRes.Line.ID, Caller: "borrower-3", AmountUSDMicros: 100, RequestHash: "r-draw-3"})
	require.NoError(t, err)
	_, err = engine.ApplyFee(ctx, ApplyFeeInput{CreditLineID: openRes.Line.ID, AmountUSDMicros: 5, FeeType: FeeOrigination, RequestHash: "r-fee-3"})
	require.NoError(t, err)

	lockRes, err := engine.LockCollateral(ctx, CollateralInput{
		CreditLineID: openRes.Line.ID, AssetRef: "ian:abc", AssetType: AssetIAN,
		AmountUSDMicros: 80, RequestHash: "r-lock-3",
	})
	require.NoError(t, err)
	require.NotNil(t, lockRes.Lock)

	mcRes, err := engine.MarginCall(ctx, MarginCallInput{
		CreditLineID: openRes.Line.ID, Action: MarginActionCall,
		RequiredUSDMicros: 100, DueTS: 1_700_000_100_000, RequestHash: "r-margin-3",
	})
	require.NoError(t, err)

	liqRes, err := engine.Liquidate(ctx, LiquidateInput{
		CreditLineID: openRes.Line.ID, MarginCallID: mcRes.MarginCall.ID, RequestHash: "r-liq-3",
	})
	require.NoError(t, err)
	require.Equal(t, int64(80), liqRes.Waterfall.TotalCollateral)
	require.Equal(t, int64(4), liqRes.Waterfall.LiquidationFee)
	require.Equal(t, int64(5), liqRes.Waterfall.FeesCovered)
	require.Equal(t, int64(71), liqRes.Waterfall.PrincipalCovered)
	require.Equal(t, int64(29), liqRes.Waterfall.Shortfall)

	var line storage.CreditLine
	require.NoError(t, db.Where("id = ?", openRes.Line.ID).First(&line).Error)
	require.Equal(t, string(StatusLiquidated), line.Status)
}

func TestLiquidationSurplusRouting(t *testing.T) {
	engine, db, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "borrower-4", 10_000_000_000, "topup", "seed")
	require.NoError(t, err)
	seal(t, db, "borrower-4")
	require.NoError(t, engine.SetLiquidationRouting(LiquidationRouting{LiquidatorBps: 1000, TreasuryBps: 2000}))

	openRes, err := engine.Open(ctx, OpenInput{
		Borrower: "borrower-4", Lender: "primordia:treasury",
		LimitUSDMicros: 1_000, RequestHash: "r-open-4",
	})
	require.NoError(t, err)

	_, err = engine.Draw(ctx, DrawInput{CreditLineID: openRes.Line.ID, Caller: "borrower-4", AmountUSDMicros: 50, RequestHash: "r-draw-4"})
	require.NoError(t, err)

	lockRes, err := engine.LockCollateral(ctx, CollateralInput{
		CreditLineID: openRes.Line.ID, AssetRef: "ian:def", AssetType: AssetIAN,
		AmountUSDMicros: 200, RequestHash: "r-lock-4",
	})
	require.NoError(t, err)
	require.NotNil(t, lockRes.Lock)

	mcRes, err := engine.MarginCall(ctx, MarginCallInput{
		CreditLineID: openRes.Line.ID, Action: MarginActionCall,
		RequiredUSDMicros: 100, DueTS: 1_700_000_100_000, RequestHash: "r-margin-4",
	})
	require.NoError(t, err)

	liqRes, err := engine.Liquidate(ctx, LiquidateInput{
		CreditLineID: openRes.Line.ID, MarginCallID: mcRes.MarginCall.ID,
		Liquidator: "liquidator-4", RequestHash: "r-liq-4",
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), liqRes.Waterfall.Shortfall)
	require.Greater(t, liqRes.Waterfall.Surplus, int64(0))
	require.Equal(t, liqRes.Waterfall.Surplus*1000/10_000, liqRes.Waterfall.LiquidatorShare)
	require.Equal(t, liqRes.Waterfall.Surplus*2000/10_000, liqRes.Waterfall.TreasuryShare)

	liquidatorBalance, err := wallet.GetBalance(ctx, "liquidator-4")
	require.NoError(t, err)
	require.Equal(t, liqRes.Waterfall.LiquidatorShare, liquidatorBalance)

	treasuryBalance, err := wallet.GetBalance(ctx, "primordia:treasury")
	require.NoError(t, err)
	require.Equal(t, liqRes.Waterfall.TreasuryShare, treasuryBalance)
}
