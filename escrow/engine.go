package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/canonical"
	common "primordia/kernelcommon"
	"primordia/kernelerrors"
	"primordia/ledger"
	"primordia/receipts"
	"primordia/storage"
)

const moduleName = "escrow"

// defaultResolveFee is the paid default-resolve fee for a disputed escrow
// that neither party has otherwise settled, per the kernel fee schedule.
const defaultResolveFee = 25_000_000_000

// purchaseURL is returned in CreditRequired rejections so a client agent can
// self-remediate, mirroring the credit package's convention.
const purchaseURL = "https://kernel.local/wallet/topup"

// Engine implements the escrow lifecycle: create, release, dispute, expire,
// and the paid default-resolve path for stuck disputes. It follows the same
// row-lock-then-mutate-then-append-event pattern as the credit engine,
// including request_hash idempotency via EscrowEvent.
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

type CreateInput struct {
	Buyer           string
	Seller          string
	AmountUSDMicros int64
	Description     string
	ExpiresAt       int64
	RequestHash     string
}

type CreateResult struct {
	Escrow   *storage.Escrow
	Replayed bool
}

// Create locks AmountUSDMicros out of the buyer's wallet into a new escrow
// row. No receipt is issued here: the binding settlement event is Release.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if in.AmountUSDMicros <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(in.Description) > maxDescriptionLength {
		return nil, ErrDescriptionTooLong
	}
	if existing, replayed, err := lookupEscrowReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		es, err := e.Get(ctx, existing.EscrowID)
		if err != nil {
			return nil, err
		}
		return &CreateResult{Escrow: es, Replayed: true}, nil
	}

	es := &storage.Escrow{
		ID:              uuid.NewString(),
		Buyer:           in.Buyer,
		Seller:          in.Seller,
		AmountUSDMicros: in.AmountUSDMicros,
		Description:     in.Description,
		ExpiresAt:       in.ExpiresAt,
		Status:          string(StatusLocked),
		CreatedAt:       e.now(),
		UpdatedAt:       e.now(),
	}

	if err := e.wallet.RequireCredit(ctx, in.Buyer, in.AmountUSDMicros, purchaseURL); err != nil {
		return nil, err
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ledger.DeductTx(tx, e.now(), in.Buyer, in.AmountUSDMicros, "escrow.lock", in.RequestHash); err != nil {
			return err
		}
		if err := tx.Create(es).Error; err != nil {
			return fmt.Errorf("create escrow: %w", err)
		}
		return appendEscrowEvent(tx, es.ID, "create", in.RequestHash, nil, e.now())
	})
	if err != nil {
		return nil, err
	}
	return &CreateResult{Escrow: es}, nil
}

type ReleaseInput struct {
	EscrowID    string
	Caller      string
	RequestHash string
}

type ReleaseResult struct {
	Escrow   *storage.Escrow
	Receipt  *receipts.Envelope
	Replayed bool
}

// Release pays the held amount to the seller and issues the MSR settlement
// receipt between buyer and seller. Only the buyer may release.
func (e *Engine) Release(ctx context.Context, in ReleaseInput) (*ReleaseResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEscrowReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		es, err := e.Get(ctx, existing.EscrowID)
		if err != nil {
			return nil, err
		}
		return &ReleaseResult{Escrow: es, Receipt: &receipts.Envelope{ReceiptHash: existing.ReceiptHash}, Replayed: true}, nil
	}

	var es storage.Escrow
	var env *receipts.Envelope
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, in.EscrowID)
		if err != nil {
			return err
		}
		if row.Status != string(StatusLocked) {
			return ErrNotLocked
		}
		if in.Caller != row.Buyer {
			return ErrNotBuyer
		}

		if _, err := ledger.CreditTx(tx, e.now(), row.Seller, row.AmountUSDMicros, "escrow.release", in.RequestHash); err != nil {
			return err
		}

		row.Status = string(StatusReleased)
		row.UpdatedAt = e.now()
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("save escrow: %w", err)
		}

		built, err := e.factory.Build(receipts.KindMSR, map[string]canonical.Value{
			"escrow_id": row.ID,
			"payer":     row.Buyer,
			"payee":     row.Seller,
			"amount":    row.AmountUSDMicros,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		env = built
		es = *row
		return appendEscrowEvent(tx, row.ID, "release", in.RequestHash, env, e.now())
	})
	if err != nil {
		return nil, err
	}
	return &ReleaseResult{Escrow: &es, Receipt: env}, nil
}

type DisputeInput struct {
	EscrowID    string
	Caller      string
	RequestHash string
}

type DisputeResult struct {
	Escrow   *storage.Escrow
	Replayed bool
}

// Dispute transitions a locked escrow into the disputed state. Either party
// may raise it.
func (e *Engine) Dispute(ctx context.Context, in DisputeInput) (*DisputeResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEscrowReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		es, err := e.Get(ctx, existing.EscrowID)
		if err != nil {
			return nil, err
		}
		return &DisputeResult{Escrow: es, Replayed: true}, nil
	}

	var es storage.Escrow
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, in.EscrowID)
		if err != nil {
			return err
		}
		if row.Status != string(StatusLocked) {
			return ErrNotLocked
		}
		if in.Caller != row.Buyer && in.Caller != row.Seller {
			return ErrNotParty
		}
		row.Status = string(StatusDisputed)
		row.UpdatedAt = e.now()
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("save escrow: %w", err)
		}
		es = *row
		return appendEscrowEvent(tx, row.ID, "dispute", in.RequestHash, nil, e.now())
	})
	if err != nil {
		return nil, err
	}
	return &DisputeResult{Escrow: &es}, nil
}

type DefaultResolveInput struct {
	EscrowID        string
	ReleaseToSeller bool
	RequestHash     string
}

type DefaultResolveResult struct {
	Escrow     *storage.Escrow
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

// DefaultResolve is the paid kernel-arbitrated path for a disputed escrow
// that the parties did not settle themselves: the fee is charged to the
// buyer, then funds move to whichever side ReleaseToSeller selects.
func (e *Engine) DefaultResolve(ctx context.Context, in DefaultResolveInput) (*DefaultResolveResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEscrowReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		es, err := e.Get(ctx, existing.EscrowID)
		if err != nil {
			return nil, err
		}
		return &DefaultResolveResult{Escrow: es, Receipt: &receipts.Envelope{ReceiptHash: existing.ReceiptHash}, Replayed: true}, nil
	}

	var es storage.Escrow
	var env *receipts.Envelope
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, in.EscrowID)
		if err != nil {
			return err
		}
		if row.Status != string(StatusDisputed) {
			return ErrNotDisputed
		}

		if err := e.wallet.RequireCredit(ctx, row.Buyer, defaultResolveFee, purchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), row.Buyer, defaultResolveFee, "fee", "escrow.default_resolve"); err != nil {
			return err
		}

		recipient := row.Buyer
		if in.ReleaseToSeller {
			recipient = row.Seller
		}
		if _, err := ledger.CreditTx(tx, e.now(), recipient, row.AmountUSDMicros, "escrow.default_resolve", in.RequestHash); err != nil {
			return err
		}

		row.Status = string(StatusReleased)
		row.UpdatedAt = e.now()
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("save escrow: %w", err)
		}

		built, err := e.factory.Build(receipts.KindMSR, map[string]canonical.Value{
			"escrow_id": row.ID,
			"payer":     row.Buyer,
			"payee":     recipient,
			"amount":    row.AmountUSDMicros,
			"resolved":  "default",
		}, in.RequestHash)
		if err != nil {
			return err
		}
		env = built
		es = *row
		return appendEscrowEvent(tx, row.ID, "default_resolve", in.RequestHash, env, e.now())
	})
	if err != nil {
		return nil, err
	}
	return &DefaultResolveResult{Escrow: &es, Receipt: env, FeeCharged: defaultResolveFee}, nil
}

// Expire transitions a still-locked escrow past its deadline into the
// expired state and refunds the buyer. nowMS is the caller-supplied clock
// reading, matching the dispatcher's event-log-timestamp convention rather
// than a wall-clock read inside the engine. Unlike the client-initiated
// operations above, Expire is driven by a background sweep rather than a
// paywalled request_hash, so its idempotency is the status guard itself: a
// second sweep over an already-expired escrow fails closed with
// ErrNotLocked instead of double-refunding.
func (e *Engine) Expire(ctx context.Context, escrowID string, nowMS int64) (*storage.Escrow, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}

	var es storage.Escrow
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockEscrow(tx, escrowID)
		if err != nil {
			return err
		}
		if row.Status != string(StatusLocked) {
			return ErrNotLocked
		}
		if nowMS < row.ExpiresAt {
			return ErrNotExpired
		}
		if _, err := ledger.CreditTx(tx, e.now(), row.Buyer, row.AmountUSDMicros, "escrow.expire", escrowID); err != nil {
			return err
		}
		row.Status = string(StatusExpired)
		row.UpdatedAt = e.now()
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("save escrow: %w", err)
		}
		es = *row
		return appendEscrowEvent(tx, row.ID, "expire", escrowID, nil, e.now())
	})
	if err != nil {
		return nil, err
	}
	return &es, nil
}

// Get returns the escrow row unmodified.
func (e *Engine) Get(ctx context.Context, escrowID string) (*storage.Escrow, error) {
	var row storage.Escrow
	err := e.db.WithContext(ctx).Where("id = ?", escrowID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	return &row, nil
}

func lockEscrow(tx *gorm.DB, escrowID string) (*storage.Escrow, error) {
	var row storage.Escrow
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", escrowID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "escrow not found", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lock escrow: %w", err)
	}
	return &row, nil
}

// lookupEscrowReplay implements the idempotency controller (C5) for the
// escrow engine: a second call with the same request_hash short-circuits to
// the previously-recorded outcome instead of re-running the mutation.
func lookupEscrowReplay(ctx context.Context, db *gorm.DB, requestHash string) (*storage.EscrowEvent, bool, error) {
	return ledger.LookupUnique[storage.EscrowEvent](ctx, db, "request_hash", requestHash)
}

// appendEscrowEvent records the idempotency row for one escrow action and,
// when env is non-nil, mirrors the receipt into the shared receipts table.
func appendEscrowEvent(tx *gorm.DB, escrowID, action, requestHash string, env *receipts.Envelope, now time.Time) error {
	event := storage.EscrowEvent{
		ID:          uuid.NewString(),
		EscrowID:    escrowID,
		Action:      action,
		RequestHash: requestHash,
		CreatedAt:   now,
	}
	if env != nil {
		event.ReceiptHash = env.ReceiptHash
	}
	if err := tx.Create(&event).Error; err != nil {
		if ledger.IsUniqueViolation(err) {
			return kernelerrors.Wrap(kernelerrors.KindDuplicateRequest, "duplicate request_hash", kernelerrors.ErrDuplicateRequest)
		}
		return fmt.Errorf("append escrow event: %w", err)
	}
	if env != nil {
		kind, _ := env.Payload["receipt_type"].(string)
		if err := ledger.PersistReceipt(tx, env, receipts.Kind(kind), requestHash, now); err != nil {
			return err
		}
	}
	return nil
}
