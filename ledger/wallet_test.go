package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"primordia/kernelerrors"
	"primordia/storage"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrate(db))
	return db
}

func TestCreditDeductRoundTrip(t *testing.T) {
	db := openTestDB(t)
	w := NewWallet(db, func() time.Time { return time.Unix(0, 0) })
	ctx := context.Background()

	bal, err := w.GetBalance(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal)

	bal, err = w.Credit(ctx, "agent-1", 1_000_000_000, "topup", "ref1")
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000_000), bal)

	bal, err = w.Deduct(ctx, "agent-1", 10_000_000, "fee", "op1")
	require.NoError(t, err)
	require.Equal(t, int64(990_000_000), bal)
}

func TestDeductInsufficientFunds(t *testing.T) {
	db := openTestDB(t)
	w := NewWallet(db, time.Now)
	ctx := context.Background()

	_, err := w.Credit(ctx, "agent-2", 500_000, "topup", "ref")
	require.NoError(t, err)

	_, err = w.Deduct(ctx, "agent-2", 600_000, "fee", "op")
	require.Error(t, err)
	require.Equal(t, kernelerrors.KindInsufficientFunds, kernelerrors.KindOf(err))

	bal, err := w.GetBalance(ctx, "agent-2")
	require.NoError(t, err)
	require.Equal(t, int64(500_000), bal)
}

func TestRequireCreditStructuredError(t *testing.T) {
	db := openTestDB(t)
	w := NewWallet(db, time.Now)
	ctx := context.Background()

	_, err := w.Credit(ctx, "agent-3", 500_000, "topup", "ref")
	require.NoError(t, err)

	err = w.RequireCredit(ctx, "agent-3", 100_000_000, "https://pay.example/agent-3")
	require.Error(t, err)
	var cr *kernelerrors.CreditRequired
	require.ErrorAs(t, err, &cr)
	require.Equal(t, int64(100_000_000), cr.RequiredUSDMicros)
	require.Equal(t, int64(500_000), cr.CurrentBalance)
}

func TestConcurrentDeductsDoNotLoseUpdates(t *testing.T) {
	db := openTestDB(t)
	w := NewWallet(db, time.Now)
	ctx := context.Background()

	_, err := w.Credit(ctx, "agent-4", 100, "topup", "ref")
	require.NoError(t, err)

	var wg sync.WaitGroup
	successes := make([]bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Deduct(ctx, "agent-4", 1, "fee", "op")
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 100, count)

	bal, err := w.GetBalance(ctx, "agent-4")
	require.NoError(t, err)
	require.Equal(t, int64(0), bal)
}
