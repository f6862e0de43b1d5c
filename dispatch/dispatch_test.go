package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"primordia/admin"
	"primordia/allocation"
	"primordia/credit"
	"primordia/kernelcrypto"
	"primordia/ledger"
	"primordia/receipts"
	"primordia/settlement"
	"primordia/storage"
)

func testDispatcher(t *testing.T) (*Dispatcher, *ledger.Wallet, string, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	adminKP, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)

	clock := int64(1_700_000_000_000)
	nowMS := func() int64 {
		clock++
		return clock
	}
	nowTime := func() time.Time { return time.UnixMilli(clock) }

	factory := receipts.NewFactory(kp.PublicHex, kp.PrivateHex, nowMS)
	wallet := ledger.NewWallet(db, nowTime)
	creditEngine := credit.NewEngine(db, wallet, factory, nowTime)
	allocationEngine := allocation.NewEngine(db, wallet, factory, nowTime)
	settlementEngine := settlement.NewEngine(db, wallet, factory, nowTime)
	pauses := admin.NewPauseStore(db)

	d := New(Config{
		DB: db, Wallet: wallet, Credit: creditEngine, Allocation: allocationEngine, Settlement: settlementEngine,
		Pauses: pauses, AdminKeys: map[string]bool{adminKP.PublicHex: true}, Now: nowTime,
	})
	return d, wallet, adminKP.PublicHex, db
}

func TestDispatchCreditOpenRoundTrip(t *testing.T) {
	d, wallet, _, db := testDispatcher(t)
	ctx := context.Background()
	_, err := wallet.Credit(ctx, "agent-1", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)
	require.NoError(t, db.Create(&storage.Seal{Target: "agent-1", ConformanceHash: "c", IssuedAtMS: 1, ReceiptHash: "r"}).Error)

	res, err := d.Dispatch(ctx, Request{
		Operation:   OpCreditOpen,
		Caller:      "agent-1",
		RequestHash: "r-open-1",
		Params: map[string]any{
			"input": credit.OpenInput{Borrower: "agent-1", Lender: "primordia:treasury", LimitUSDMicros: 100_000_000},
		},
	})
	require.NoError(t, err)
	openRes, ok := res.Result.(*credit.OpenResult)
	require.True(t, ok)
	require.Equal(t, string(credit.StatusActive), openRes.Line.Status)
}

func TestDispatchIsIdempotentAtAuditLayer(t *testing.T) {
	d, wallet, _, db := testDispatcher(t)
	ctx := context.Background()
	_, err := wallet.Credit(ctx, "agent-2", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)
	require.NoError(t, db.Create(&storage.Seal{Target: "agent-2", ConformanceHash: "c", IssuedAtMS: 1, ReceiptHash: "r"}).Error)

	req := Request{
		Operation:   OpCreditOpen,
		Caller:      "agent-2",
		RequestHash: "r-open-2",
		Params: map[string]any{
			"input": credit.OpenInput{Borrower: "agent-2", Lender: "primordia:treasury", LimitUSDMicros: 50_000_000},
		},
	}
	_, err = d.Dispatch(ctx, req)
	require.NoError(t, err)

	replay, err := d.Dispatch(ctx, req)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
}

func TestDispatchSettleRoundTrip(t *testing.T) {
	d, wallet, _, _ := testDispatcher(t)
	ctx := context.Background()
	_, err := wallet.Credit(ctx, "agent-4", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, Request{
		Operation:   OpSettle,
		Caller:      "agent-4",
		RequestHash: "r-settle-1",
		Params: map[string]any{
			"input": settlement.SettleInput{FromAgent: "agent-4", ToAgent: "agent-5", Amount: 10_000_000},
		},
	})
	require.NoError(t, err)
	settleRes, ok := res.Result.(*settlement.SettleResult)
	require.True(t, ok)
	require.True(t, settleRes.FreeTierUsed)

	toBalance, err := wallet.GetBalance(ctx, "agent-5")
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), toBalance)
}

func TestDispatchAdminSetPauseRequiresAdminKey(t *testing.T) {
	d, _, adminKey, _ := testDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, Request{
		Operation:   OpAdminSetPause,
		Caller:      "not-an-admin",
		RequestHash: "r-pause-1",
		Params:      map[string]any{"module": "credit", "paused": true},
	})
	require.ErrorIs(t, err, admin.ErrNotAdmin)

	_, err = d.Dispatch(ctx, Request{
		Operation:   OpAdminSetPause,
		Caller:      adminKey,
		RequestHash: "r-pause-2",
		Params:      map[string]any{"module": "credit", "paused": true},
	})
	require.NoError(t, err)
}

func TestDispatchRespectsModulePause(t *testing.T) {
	d, wallet, adminKey, db := testDispatcher(t)
	ctx := context.Background()
	_, err := wallet.Credit(ctx, "agent-3", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)
	require.NoError(t, db.Create(&storage.Seal{Target: "agent-3", ConformanceHash: "c", IssuedAtMS: 1, ReceiptHash: "r"}).Error)

	_, err = d.Dispatch(ctx, Request{
		Operation:   OpAdminSetPause,
		Caller:      adminKey,
		RequestHash: "r-pause-3",
		Params:      map[string]any{"module": "credit", "paused": true},
	})
	require.NoError(t, err)

	_, err = d.Dispatch(ctx, Request{
		Operation:   OpCreditOpen,
		Caller:      "agent-3",
		RequestHash: "r-open-3",
		Params: map[string]any{
			"input": credit.OpenInput{Borrower: "agent-3", Lender: "primordia:treasury", LimitUSDMicros: 50_000_000},
		},
	})
	require.Error(t, err)
}
