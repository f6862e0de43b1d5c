// Package allocation implements wallet-to-wallet transfers (spec C9, first
// half): move amount from one wallet to another, taking a bps fee off the
// top into the treasury wallet, with the three balance mutations folded
// into one transaction per spec §9's allocation-atomicity guidance.
package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"primordia/canonical"
	common "primordia/kernelcommon"
	"primordia/ledger"
	"primordia/receipts"
	"primordia/storage"
)

const moduleName = "allocation"

const (
	treasuryWallet  = "primordia:treasury"
	feeBps          = 10
	minFeeUSDMicros = 100_000
)

var ErrInvalidAmount = errors.New("allocation: amount must be positive")

// Fee is max(feeBps * amount / 10_000, minFeeUSDMicros).
func Fee(amountUSDMicros int64) int64 {
	bps := amountUSDMicros * feeBps / 10_000
	if bps < minFeeUSDMicros {
		return minFeeUSDMicros
	}
	return bps
}

// purchaseURL is returned in CreditRequired rejections so a client agent can
// self-remediate, mirroring the credit package's convention.
const purchaseURL = "https://kernel.local/wallet/topup"

type Engine struct {
	db      *gorm.DB
	wallet  *ledger.Wallet
	factory *receipts.Factory
	now     func() time.Time
	pauses  common.PauseView
}

func NewEngine(db *gorm.DB, wallet *ledger.Wallet, factory *receipts.Factory, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, wallet: wallet, factory: factory, now: now}
}

func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

type TransferInput struct {
	FromWallet  string
	ToWallet    string
	Amount      int64
	RequestHash string
}

type TransferResult struct {
	Allocation *storage.Allocation
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

// Transfer deducts Amount+fee from FromWallet, credits Amount to ToWallet
// and the fee to the treasury wallet, all within one transaction, then
// issues an ALLOC receipt.
func (e *Engine) Transfer(ctx context.Context, in TransferInput) (*TransferResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if existing, found, err := ledger.LookupUnique[storage.Allocation](ctx, e.db, "request_hash", in.RequestHash); err != nil {
		return nil, err
	} else if found {
		return &TransferResult{
			Allocation: existing,
			Receipt:    &receipts.Envelope{ReceiptHash: existing.ReceiptHash},
			FeeCharged: 0,
			Replayed:   true,
		}, nil
	}

	fee := Fee(in.Amount)

	if err := e.wallet.RequireCredit(ctx, in.FromWallet, in.Amount+fee, purchaseURL); err != nil {
		return nil, err
	}

	alloc := &storage.Allocation{
		ID:              uuid.NewString(),
		FromWallet:      in.FromWallet,
		ToWallet:        in.ToWallet,
		AmountUSDMicros: in.Amount,
		FeeUSDMicros:    fee,
		FeeBps:          feeBps,
		RequestHash:     in.RequestHash,
		CreatedAt:       e.now(),
	}

	var env *receipts.Envelope
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ledger.DeductTx(tx, e.now(), in.FromWallet, in.Amount+fee, "allocation.out", in.RequestHash); err != nil {
			return err
		}
		if _, err := ledger.CreditTx(tx, e.now(), in.ToWallet, in.Amount, "allocation.in", in.RequestHash); err != nil {
			return err
		}
		if fee > 0 {
			if _, err := ledger.CreditTx(tx, e.now(), treasuryWallet, fee, "fee", "allocation.transfer"); err != nil {
				return err
			}
		}

		built, err := e.factory.Build(receipts.KindAlloc, map[string]canonical.Value{
			"from_wallet": in.FromWallet,
			"to_wallet":   in.ToWallet,
			"amount":      in.Amount,
			"fee":         fee,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		env = built
		alloc.ReceiptHash = env.ReceiptHash

		if err := tx.Create(alloc).Error; err != nil {
			return err
		}
		return ledger.PersistReceipt(tx, env, receipts.KindAlloc, in.RequestHash, e.now())
	})
	if err != nil {
		return nil, err
	}

	return &TransferResult{Allocation: alloc, Receipt: env, FeeCharged: fee}, nil
}
