package netting

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"primordia/canonical"
	"primordia/kernelcrypto"
	"primordia/ledger"
	"primordia/merkle"
	"primordia/receipts"
	"primordia/storage"
)

func testEngine(t *testing.T) (*Engine, *gorm.DB, *receipts.Factory, string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))

	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	clock := int64(1_700_000_000_000)
	nowMS := func() int64 {
		clock++
		return clock
	}
	factory := receipts.NewFactory(kp.PublicHex, kp.PrivateHex, nowMS)
	indexStore := merkle.NewIndexStore(db, func() time.Time { return time.UnixMilli(clock) }, kp.PublicHex, kp.PrivateHex)
	_, err = indexStore.OpenWindow(context.Background())
	require.NoError(t, err)

	wallet := ledger.NewWallet(db, func() time.Time { return time.UnixMilli(clock) })
	engine := NewEngine(db, wallet, factory, indexStore, kp.PublicHex, func() time.Time { return time.UnixMilli(clock) })
	return engine, db, factory, kp.PublicHex
}

func msrReceipt(t *testing.T, factory *receipts.Factory, payer, payee string, amount int64) InputReceipt {
	t.Helper()
	env, err := factory.Build(receipts.KindMSR, map[string]canonical.Value{
		"payer": payer, "payee": payee, "amount": amount,
	}, "r-msr-"+payer+"-"+payee)
	require.NoError(t, err)
	return InputReceipt{Envelope: env, Payer: payer, Payee: payee, Amount: amount}
}

func TestNetChargesFeeAndSubmitsToIndex(t *testing.T) {
	engine, db, factory, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "agent-x", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	r1 := msrReceipt(t, factory, "agent-x", "agent-y", 10_000_000)
	r2 := msrReceipt(t, factory, "agent-x", "agent-z", 20_000_000)

	res, err := engine.Net(ctx, NetInput{
		Agent:       "agent-x",
		Receipts:    []InputReceipt{r1, r2},
		Policy:      Strict,
		RequestHash: "r-net-1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(15_000), res.FeeCharged) // 5bps * 30_000_000 / 10_000
	require.NotNil(t, res.Submission)
	require.Equal(t, "completed", res.Job.Status)

	balance, err := wallet.GetBalance(ctx, "agent-x")
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000-15_000), balance)
}

func TestNetDedupesDuplicateReceipts(t *testing.T) {
	engine, db, factory, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "agent-dup", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	r1 := msrReceipt(t, factory, "agent-dup", "agent-y", 5_000_000)

	res, err := engine.Net(ctx, NetInput{
		Agent:       "agent-dup",
		Receipts:    []InputReceipt{r1, r1},
		Policy:      Strict,
		RequestHash: "r-net-2",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestNetIsIdempotentByInputHash(t *testing.T) {
	engine, db, factory, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "agent-rep", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	r1 := msrReceipt(t, factory, "agent-rep", "agent-y", 1_000_000)

	first, err := engine.Net(ctx, NetInput{Agent: "agent-rep", Receipts: []InputReceipt{r1}, Policy: Strict, RequestHash: "r-net-3"})
	require.NoError(t, err)

	second, err := engine.Net(ctx, NetInput{Agent: "agent-rep", Receipts: []InputReceipt{r1}, Policy: Strict, RequestHash: "r-net-4"})
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.Job.ID, second.Job.ID)
}

func TestNetFoldsBilateralObligations(t *testing.T) {
	engine, db, factory, _ := testEngine(t)
	ctx := context.Background()
	wallet := ledger.NewWallet(db, nil)
	_, err := wallet.Credit(ctx, "agent-a", 1_000_000_000, "topup", "seed")
	require.NoError(t, err)

	aToB := msrReceipt(t, factory, "agent-a", "agent-b", 50_000_000)
	bToA := msrReceipt(t, factory, "agent-b", "agent-a", 20_000_000)

	res, err := engine.Net(ctx, NetInput{
		Agent:       "agent-a",
		Receipts:    []InputReceipt{aToB, bToA},
		Policy:      Strict,
		RequestHash: "r-net-fold",
	})
	require.NoError(t, err)

	var obligations []storage.Obligation
	require.NoError(t, db.Where("ian_receipt_hash = ?", res.Receipt.ReceiptHash).Find(&obligations).Error)
	require.Len(t, obligations, 1)
	require.Equal(t, "agent-a", obligations[0].Debtor)
	require.Equal(t, "agent-b", obligations[0].Creditor)
	require.Equal(t, int64(30_000_000), obligations[0].AmountUSDMicros)
}

func TestBilateralCancellation(t *testing.T) {
	fromA, amount := Cancel(100, 40)
	require.True(t, fromA)
	require.Equal(t, int64(60), amount)

	fromA2, amount2 := Cancel(10, 40)
	require.False(t, fromA2)
	require.Equal(t, int64(30), amount2)
}
