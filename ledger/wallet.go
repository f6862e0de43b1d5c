// Package ledger implements the wallet/paywall controller (spec C4) and the
// idempotency controller (spec C5). Balance mutations follow the donor's
// services/otc-gateway/funding.Processor pattern: load-with-row-lock,
// validate, mutate, append a log row, all inside one gorm transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/kernelerrors"
	"primordia/storage"
)

// Wallet implements atomic credit/deduct against the storage collaborator.
type Wallet struct {
	db  *gorm.DB
	now func() time.Time
}

func NewWallet(db *gorm.DB, now func() time.Time) *Wallet {
	if now == nil {
		now = time.Now
	}
	return &Wallet{db: db, now: now}
}

// GetBalance returns 0 for an unknown wallet, per spec §4.4.
func (w *Wallet) GetBalance(ctx context.Context, walletID string) (int64, error) {
	var row storage.Wallet
	err := w.db.WithContext(ctx).Where("id = ?", walletID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: load wallet %s: %w", walletID, err)
	}
	return row.BalanceUSDMicros, nil
}

// Credit atomically upserts the wallet row and appends a transaction log
// entry, returning the new balance. amount must be strictly positive.
func (w *Wallet) Credit(ctx context.Context, walletID string, amount int64, txType, reference string) (int64, error) {
	var newBalance int64
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := CreditTx(tx, w.now(), walletID, amount, txType, reference)
		newBalance = bal
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Deduct atomically checks and decrements the wallet balance under a row
// lock. If balance < amount it fails with InsufficientFunds and leaves state
// unchanged.
func (w *Wallet) Deduct(ctx context.Context, walletID string, amount int64, txType, reference string) (int64, error) {
	var newBalance int64
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := DeductTx(tx, w.now(), walletID, amount, txType, reference)
		newBalance = bal
		return err
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// CreditTx performs the credit mutation against an already-open transaction,
// so other domain engines (credit lines, netting, allocation) can fold a
// wallet credit into their own atomic unit of work instead of nesting
// transactions.
func CreditTx(tx *gorm.DB, now time.Time, walletID string, amount int64, txType, reference string) (int64, error) {
	if amount <= 0 {
		return 0, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "credit amount must be positive", kernelerrors.ErrPreconditionFailed)
	}
	row, err := lockOrCreateWallet(tx, walletID)
	if err != nil {
		return 0, err
	}
	row.BalanceUSDMicros += amount
	row.UpdatedAt = now
	if err := tx.Save(row).Error; err != nil {
		return 0, fmt.Errorf("save wallet: %w", err)
	}
	entry := storage.WalletTransaction{
		ID:              uuid.NewString(),
		WalletID:        walletID,
		Type:            txType,
		AmountUSDMicros: amount,
		Reference:       reference,
		CreatedAt:       now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("append wallet transaction: %w", err)
	}
	return row.BalanceUSDMicros, nil
}

// DeductTx performs the deduct mutation against an already-open transaction.
// See CreditTx.
func DeductTx(tx *gorm.DB, now time.Time, walletID string, amount int64, txType, reference string) (int64, error) {
	if amount <= 0 {
		return 0, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "deduct amount must be positive", kernelerrors.ErrPreconditionFailed)
	}
	row, err := lockOrCreateWallet(tx, walletID)
	if err != nil {
		return 0, err
	}
	if row.BalanceUSDMicros < amount {
		return 0, kernelerrors.Wrap(kernelerrors.KindInsufficientFunds,
			fmt.Sprintf("wallet %s balance %d below required %d", walletID, row.BalanceUSDMicros, amount),
			kernelerrors.ErrInsufficientFunds)
	}
	row.BalanceUSDMicros -= amount
	row.UpdatedAt = now
	if err := tx.Save(row).Error; err != nil {
		return 0, fmt.Errorf("save wallet: %w", err)
	}
	entry := storage.WalletTransaction{
		ID:              uuid.NewString(),
		WalletID:        walletID,
		Type:            txType,
		AmountUSDMicros: -amount,
		Reference:       reference,
		CreatedAt:       now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("append wallet transaction: %w", err)
	}
	return row.BalanceUSDMicros, nil
}

// RequireCredit reads the wallet balance and, if insufficient, returns a
// structured CreditRequired error carrying the blocker metadata a client
// agent needs to self-remediate.
func (w *Wallet) RequireCredit(ctx context.Context, walletID string, minRequired int64, purchaseURL string) error {
	balance, err := w.GetBalance(ctx, walletID)
	if err != nil {
		return err
	}
	if balance < minRequired {
		return kernelerrors.NewCreditRequired(minRequired, balance, purchaseURL)
	}
	return nil
}

// lockOrCreateWallet loads walletID for update within tx, creating a
// zero-balance row first if none exists yet. Must be called inside a
// transaction so the row lock is held for the remainder of the mutation.
func lockOrCreateWallet(tx *gorm.DB, walletID string) (*storage.Wallet, error) {
	var row storage.Wallet
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", walletID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = storage.Wallet{ID: walletID, BalanceUSDMicros: 0, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		if err := tx.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create wallet: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", walletID).First(&row).Error; err != nil {
			return nil, fmt.Errorf("re-lock created wallet: %w", err)
		}
		return &row, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &row, nil
}
