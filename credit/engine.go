package credit

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

// creditPurchaseURL is returned in CreditRequired rejections so a client
// agent can self-remediate, mirroring the seal-issue-url convention in mbs.
const creditPurchaseURL = "https://kernel.local/wallet/topup"

// sealIssueURL is returned in SealRequired rejections.
const sealIssueURL = "https://kernel.local/seals"

// Engine drives the credit-line state machine described in spec §4.8. Every
// operation runs inside one database transaction covering the credit line
// row, its position, the wallet fee deduction, and the append-only event
// log, so a crash mid-operation never leaves a partially-applied mutation.
type Engine struct {
	db      *gorm.DB
	wallet  *ledger.Wallet
	factory *receipts.Factory
	now     func() time.Time
	pauses  common.PauseView
	routing LiquidationRouting
}

func NewEngine(db *gorm.DB, wallet *ledger.Wallet, factory *receipts.Factory, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, wallet: wallet, factory: factory, now: now}
}

func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// requireSeal enforces the conformance-seal precondition gating line.open
// (Open is its only caller), mirroring mbs.Engine.requireSeal.
func (e *Engine) requireSeal(ctx context.Context, agent string) error {
	var seal storage.Seal
	if err := e.db.WithContext(ctx).Where("target = ?", agent).First(&seal).Error; err != nil {
		return kernelerrors.NewSealRequired(agent, sealIssueURL)
	}
	return nil
}

// SetLiquidationRouting configures the surplus-collateral split applied on
// liquidations that fully cover the position. The sum of the two bps must
// not exceed 10_000.
func (e *Engine) SetLiquidationRouting(routing LiquidationRouting) error {
	if routing.LiquidatorBps+routing.TreasuryBps > 10_000 {
		return ErrLiquidationRoutingBps
	}
	e.routing = routing
	return nil
}

// OpenInput carries the fields of a line.open request.
type OpenInput struct {
	Borrower              string
	Lender                string
	LimitUSDMicros        int64
	SpreadBps             int64
	MaturityTS            *int64
	CollateralRatioMinBps int64
	RequestHash           string
}

// OpenResult is returned by Open.
type OpenResult struct {
	Line        *storage.CreditLine
	Receipt     *receipts.Envelope
	FeeCharged  int64
	Replayed    bool
}

// Open creates a new credit line in the active state. Preconditions per
// spec §4.8.1: the borrower must hold a conformance seal, and its wallet
// balance must cover the open fee. Both are enforced here, before any
// mutation, so a rejected request leaves no deduction, no line, and no
// receipt behind.
func (e *Engine) Open(ctx context.Context, in OpenInput) (*OpenResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if in.LimitUSDMicros <= 0 {
		return nil, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "limit must be positive", kernelerrors.ErrPreconditionFailed)
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &OpenResult{FeeCharged: 0, Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}
	if err := e.requireSeal(ctx, in.Borrower); err != nil {
		return nil, err
	}

	spreadBps := in.SpreadBps
	if spreadBps == 0 {
		spreadBps = DefaultSpreadBps
	}
	collateralMinBps := in.CollateralRatioMinBps
	if collateralMinBps == 0 {
		collateralMinBps = DefaultCollateralRatioMinBps
	}
	fee := lineOpenFee(in.LimitUSDMicros)
	if err := e.wallet.RequireCredit(ctx, in.Borrower, fee, creditPurchaseURL); err != nil {
		return nil, err
	}

	var result OpenResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := ledger.DeductTx(tx, e.now(), in.Borrower, fee, "fee", "line.open"); err != nil {
			return err
		}

		line := storage.CreditLine{
			ID:                    uuid.NewString(),
			Borrower:              in.Borrower,
			Lender:                in.Lender,
			LimitUSDMicros:        in.LimitUSDMicros,
			SpreadBps:             spreadBps,
			MaturityTS:            in.MaturityTS,
			CollateralRatioMinBps: collateralMinBps,
			Status:                string(StatusActive),
			CreatedAt:             e.now(),
		}
		if err := tx.Create(&line).Error; err != nil {
			return fmt.Errorf("create credit line: %w", err)
		}
		position := storage.CreditPosition{CreditLineID: line.ID}
		if err := tx.Create(&position).Error; err != nil {
			return fmt.Errorf("create credit position: %w", err)
		}

		env, err := e.factory.Build(receipts.KindCL, map[string]canonical.Value{
			"credit_line_id": line.ID,
			"borrower":       in.Borrower,
			"lender":         in.Lender,
			"limit":          in.LimitUSDMicros,
			"spread_bps":     spreadBps,
			"action":         "open",
			"status":         string(StatusActive),
			"seal_required":  true,
		}, in.RequestHash)
		if err != nil {
			return err
		}

		if err := appendEvent(tx, line.ID, "open", in.RequestHash, env, 0, 0, 0, e.now()); err != nil {
			return err
		}

		result = OpenResult{Line: &line, Receipt: env, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DrawInput carries the fields of a draw request.
type DrawInput struct {
	CreditLineID string
	Caller       string
	AmountUSDMicros int64
	RequestHash  string
}

// DrawResult is returned by Draw.
type DrawResult struct {
	Position   *storage.CreditPosition
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

func (e *Engine) Draw(ctx context.Context, in DrawInput) (*DrawResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if in.AmountUSDMicros <= 0 {
		return nil, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "draw amount must be positive", kernelerrors.ErrPreconditionFailed)
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &DrawResult{FeeCharged: 0, Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result DrawResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, pos, err := lockLineAndPosition(tx, in.CreditLineID)
		if err != nil {
			return err
		}
		if line.Status != string(StatusActive) {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "credit line is not active", kernelerrors.ErrPreconditionFailed)
		}
		if in.Caller != line.Borrower {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "caller is not the borrower", kernelerrors.ErrPreconditionFailed)
		}
		if in.AmountUSDMicros > line.LimitUSDMicros-pos.PrincipalUSDMicros {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "draw exceeds available limit", kernelerrors.ErrPreconditionFailed)
		}

		fee := drawFee(in.AmountUSDMicros)
		if err := e.wallet.RequireCredit(ctx, line.Borrower, fee, creditPurchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), line.Borrower, fee, "fee", "draw"); err != nil {
			return err
		}

		pos.PrincipalUSDMicros += in.AmountUSDMicros
		if err := tx.Save(pos).Error; err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		env, err := e.factory.Build(receipts.KindDraw, map[string]canonical.Value{
			"credit_line_id":  line.ID,
			"amount":          in.AmountUSDMicros,
			"new_principal":   pos.PrincipalUSDMicros,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, line.ID, "draw", in.RequestHash, env, in.AmountUSDMicros, 0, 0, e.now()); err != nil {
			return err
		}

		result = DrawResult{Position: pos, Receipt: env, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RepayInput carries the fields of a repay request. Zero amounts are valid
// and produce a no-op REPAY receipt.
type RepayInput struct {
	CreditLineID       string
	Caller             string
	PrincipalUSDMicros int64
	InterestUSDMicros  int64
	FeesUSDMicros      int64
	RequestHash        string
}

type RepayResult struct {
	Position *storage.CreditPosition
	Receipt  *receipts.Envelope
	Replayed bool
}

func (e *Engine) Repay(ctx context.Context, in RepayInput) (*RepayResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &RepayResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result RepayResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, pos, err := lockLineAndPosition(tx, in.CreditLineID)
		if err != nil {
			return err
		}
		if in.Caller != line.Borrower {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "caller is not the borrower", kernelerrors.ErrPreconditionFailed)
		}

		repayFees := min64(in.FeesUSDMicros, pos.FeesUSDMicros)
		repayInterest := min64(in.InterestUSDMicros, pos.InterestAccruedUSDMicros)
		repayPrincipal := min64(in.PrincipalUSDMicros, pos.PrincipalUSDMicros)

		pos.FeesUSDMicros -= repayFees
		pos.InterestAccruedUSDMicros -= repayInterest
		pos.PrincipalUSDMicros -= repayPrincipal
		if err := tx.Save(pos).Error; err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		env, err := e.factory.Build(receipts.KindRepay, map[string]canonical.Value{
			"credit_line_id":   line.ID,
			"principal":        repayPrincipal,
			"interest":         repayInterest,
			"fees":             repayFees,
			"new_principal":    pos.PrincipalUSDMicros,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, line.ID, "repay", in.RequestHash, env, -repayPrincipal, -repayInterest, -repayFees, e.now()); err != nil {
			return err
		}

		result = RepayResult{Position: pos, Receipt: env}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AccrueInterestInput carries the fields of an interest.accrue request.
type AccrueInterestInput struct {
	CreditLineID string
	WindowID     string
	Days         int64
	RequestHash  string
}

type AccrueInterestResult struct {
	Position   *storage.CreditPosition
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

func (e *Engine) AccrueInterest(ctx context.Context, in AccrueInterestInput) (*AccrueInterestResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	days := in.Days
	if days == 0 {
		days = 30
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &AccrueInterestResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result AccrueInterestResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, pos, err := lockLineAndPosition(tx, in.CreditLineID)
		if err != nil {
			return err
		}

		interest := accrueInterest(pos.PrincipalUSDMicros, line.SpreadBps, days)
		pos.InterestAccruedUSDMicros += interest
		ts := e.now().UnixMilli()
		pos.LastAccrualTS = &ts
		pos.LastAccrualWindow = in.WindowID
		if err := tx.Save(pos).Error; err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		if err := e.wallet.RequireCredit(ctx, line.Borrower, interestAccrueFee, creditPurchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), line.Borrower, interestAccrueFee, "fee", "interest.accrue"); err != nil {
			return err
		}

		env, err := e.factory.Build(receipts.KindIAR, map[string]canonical.Value{
			"credit_line_id": line.ID,
			"principal":      pos.PrincipalUSDMicros,
			"spread_bps":     line.SpreadBps,
			"days":           days,
			"interest":       interest,
			"window_id":      in.WindowID,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, line.ID, "interest_accrue", in.RequestHash, env, 0, interest, 0, e.now()); err != nil {
			return err
		}

		result = AccrueInterestResult{Position: pos, Receipt: env, FeeCharged: interestAccrueFee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ApplyFeeInput carries the fields of a fee.apply request.
type ApplyFeeInput struct {
	CreditLineID string
	AmountUSDMicros int64
	FeeType      FeeType
	Reason       string
	RequestHash  string
}

type ApplyFeeResult struct {
	Position   *storage.CreditPosition
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

func (e *Engine) ApplyFee(ctx context.Context, in ApplyFeeInput) (*ApplyFeeResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if in.AmountUSDMicros <= 0 {
		return nil, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "fee amount must be positive", kernelerrors.ErrPreconditionFailed)
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &ApplyFeeResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result ApplyFeeResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, pos, err := lockLineAndPosition(tx, in.CreditLineID)
		if err != nil {
			return err
		}
		pos.FeesUSDMicros += in.AmountUSDMicros
		if err := tx.Save(pos).Error; err != nil {
			return fmt.Errorf("save position: %w", err)
		}
		if err := e.wallet.RequireCredit(ctx, line.Borrower, feeApplyFee, creditPurchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), line.Borrower, feeApplyFee, "fee", "fee.apply"); err != nil {
			return err
		}
		env, err := e.factory.Build(receipts.KindFee, map[string]canonical.Value{
			"credit_line_id": line.ID,
			"fee_type":       string(in.FeeType),
			"amount":         in.AmountUSDMicros,
			"reason":         in.Reason,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, line.ID, "fee_apply", in.RequestHash, env, 0, 0, in.AmountUSDMicros, e.now()); err != nil {
			return err
		}
		result = ApplyFeeResult{Position: pos, Receipt: env, FeeCharged: feeApplyFee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// CollateralInput carries the fields of a collateral.lock/unlock request.
type CollateralInput struct {
	CreditLineID    string
	AssetRef        string
	AssetType       AssetType
	AmountUSDMicros int64
	LockID          string // required for unlock
	RequestHash     string
}

type CollateralResult struct {
	Lock       *storage.CollateralLock
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

func (e *Engine) LockCollateral(ctx context.Context, in CollateralInput) (*CollateralResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &CollateralResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result CollateralResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, _, err := lockLineAndPosition(tx, in.CreditLineID)
		if err != nil {
			return err
		}
		lock := storage.CollateralLock{
			ID:              uuid.NewString(),
			CreditLineID:    line.ID,
			AssetRef:        in.AssetRef,
			AssetType:       string(in.AssetType),
			AmountUSDMicros: in.AmountUSDMicros,
			Status:          string(CollateralLocked),
			CreatedAt:       e.now(),
		}
		if err := tx.Create(&lock).Error; err != nil {
			return fmt.Errorf("create collateral lock: %w", err)
		}
		if err := e.wallet.RequireCredit(ctx, line.Borrower, collateralFee, creditPurchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), line.Borrower, collateralFee, "fee", "collateral.lock"); err != nil {
			return err
		}
		env, err := e.factory.Build(receipts.KindColl, map[string]canonical.Value{
			"credit_line_id": line.ID,
			"lock_id":        lock.ID,
			"asset_ref":      in.AssetRef,
			"asset_type":     string(in.AssetType),
			"amount":         in.AmountUSDMicros,
			"action":         "lock",
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, line.ID, "collateral_lock", in.RequestHash, env, 0, 0, 0, e.now()); err != nil {
			return err
		}
		result = CollateralResult{Lock: &lock, Receipt: env, FeeCharged: collateralFee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *Engine) UnlockCollateral(ctx context.Context, in CollateralInput) (*CollateralResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &CollateralResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result CollateralResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lock storage.CollateralLock
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", in.LockID).First(&lock).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return kernelerrors.Wrap(kernelerrors.KindNotFound, "collateral lock not found", kernelerrors.ErrNotFound)
			}
			return fmt.Errorf("lock collateral row: %w", err)
		}
		if lock.Status != string(CollateralLocked) {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "collateral lock is not locked", kernelerrors.ErrPreconditionFailed)
		}
		lock.Status = string(CollateralUnlocked)
		if err := tx.Save(&lock).Error; err != nil {
			return fmt.Errorf("save collateral lock: %w", err)
		}

		var line storage.CreditLine
		if err := tx.Where("id = ?", lock.CreditLineID).First(&line).Error; err != nil {
			return fmt.Errorf("load credit line: %w", err)
		}
		if err := e.wallet.RequireCredit(ctx, line.Borrower, collateralFee, creditPurchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), line.Borrower, collateralFee, "fee", "collateral.unlock"); err != nil {
			return err
		}

		env, err := e.factory.Build(receipts.KindColl, map[string]canonical.Value{
			"credit_line_id": lock.CreditLineID,
			"lock_id":        lock.ID,
			"asset_ref":      lock.AssetRef,
			"asset_type":     lock.AssetType,
			"amount":         lock.AmountUSDMicros,
			"action":         "unlock",
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, lock.CreditLineID, "collateral_unlock", in.RequestHash, env, 0, 0, 0, e.now()); err != nil {
			return err
		}
		result = CollateralResult{Lock: &lock, Receipt: env, FeeCharged: collateralFee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// MarginCallInput carries the fields of a margin.call request.
type MarginCallInput struct {
	CreditLineID      string
	Action            MarginAction
	MarginCallID      string // required for resolve/escalate
	RequiredUSDMicros int64
	DueTS             int64
	RequestHash       string
}

type MarginCallResult struct {
	MarginCall *storage.MarginCall
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

func (e *Engine) MarginCall(ctx context.Context, in MarginCallInput) (*MarginCallResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &MarginCallResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result MarginCallResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mc storage.MarginCall
		var borrower string

		switch in.Action {
		case MarginActionCall:
			line, _, err := lockLineAndPosition(tx, in.CreditLineID)
			if err != nil {
				return err
			}
			borrower = line.Borrower
			mc = storage.MarginCall{
				ID:                uuid.NewString(),
				CreditLineID:      line.ID,
				RequiredUSDMicros: in.RequiredUSDMicros,
				DueTS:             in.DueTS,
				Status:            string(MarginPending),
				CreatedAt:         e.now(),
			}
			if err := tx.Create(&mc).Error; err != nil {
				return fmt.Errorf("create margin call: %w", err)
			}
		case MarginActionResolve, MarginActionEscalate:
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", in.MarginCallID).First(&mc).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return kernelerrors.Wrap(kernelerrors.KindNotFound, "margin call not found", kernelerrors.ErrNotFound)
				}
				return fmt.Errorf("lock margin call: %w", err)
			}
			if mc.Status != string(MarginPending) {
				return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "margin call is not pending", kernelerrors.ErrPreconditionFailed)
			}
			if in.Action == MarginActionResolve {
				ts := e.now().UnixMilli()
				mc.Status = string(MarginResolved)
				mc.ResolvedTS = &ts
			} else {
				mc.Status = string(MarginEscalated)
			}
			if err := tx.Save(&mc).Error; err != nil {
				return fmt.Errorf("save margin call: %w", err)
			}
			var line storage.CreditLine
			if err := tx.Where("id = ?", mc.CreditLineID).First(&line).Error; err != nil {
				return fmt.Errorf("load credit line: %w", err)
			}
			borrower = line.Borrower
		default:
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "unknown margin call action", kernelerrors.ErrPreconditionFailed)
		}

		if err := e.wallet.RequireCredit(ctx, borrower, marginCallFee, creditPurchaseURL); err != nil {
			return err
		}
		if _, err := ledger.DeductTx(tx, e.now(), borrower, marginCallFee, "fee", "margin.call"); err != nil {
			return err
		}

		env, err := e.factory.Build(receipts.KindMargin, map[string]canonical.Value{
			"credit_line_id": mc.CreditLineID,
			"margin_call_id": mc.ID,
			"action":         string(in.Action),
			"required":       mc.RequiredUSDMicros,
			"due_ts":         mc.DueTS,
			"status":         mc.Status,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, mc.CreditLineID, "margin_call", in.RequestHash, env, 0, 0, 0, e.now()); err != nil {
			return err
		}

		result = MarginCallResult{MarginCall: &mc, Receipt: env, FeeCharged: marginCallFee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// LiquidateInput carries the fields of a liquidate request. Liquidator is
// the caller executing the liquidation; it receives LiquidatorBps of any
// collateral surplus per the configured LiquidationRouting and may be left
// empty, in which case the liquidator share folds into the borrower refund.
type LiquidateInput struct {
	CreditLineID string
	MarginCallID string
	Liquidator   string
	RequestHash  string
}

type LiquidateResult struct {
	Waterfall  LiquidationWaterfall
	Receipt    *receipts.Envelope
	FeeCharged int64
	Replayed   bool
}

// Liquidate runs the full waterfall in a single transaction (spec §4.8.8):
// collect locked collateral, charge the liquidation fee, apply the
// fees→interest→principal waterfall, and terminate both the line and the
// triggering margin call.
func (e *Engine) Liquidate(ctx context.Context, in LiquidateInput) (*LiquidateResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if existing, replayed, err := lookupEventReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &LiquidateResult{Replayed: true, Receipt: envelopeFromEvent(existing)}, nil
	}

	var result LiquidateResult
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		line, pos, err := lockLineAndPosition(tx, in.CreditLineID)
		if err != nil {
			return err
		}
		var mc storage.MarginCall
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", in.MarginCallID).First(&mc).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return kernelerrors.Wrap(kernelerrors.KindNotFound, "margin call not found", kernelerrors.ErrNotFound)
			}
			return fmt.Errorf("lock margin call: %w", err)
		}

		var locks []storage.CollateralLock
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("credit_line_id = ? AND status = ?", line.ID, string(CollateralLocked)).Find(&locks).Error; err != nil {
			return fmt.Errorf("load collateral locks: %w", err)
		}
		if len(locks) == 0 {
			return kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "no locked collateral to liquidate", kernelerrors.ErrPreconditionFailed)
		}

		lockAmounts := make(map[string]int64, len(locks))
		var total int64
		for i := range locks {
			locks[i].Status = string(CollateralLiquidated)
			lockAmounts[locks[i].ID] = locks[i].AmountUSDMicros
			total += locks[i].AmountUSDMicros
			if err := tx.Save(&locks[i]).Error; err != nil {
				return fmt.Errorf("save liquidated lock: %w", err)
			}
		}

		fee := total * liquidationFeeBps / 10_000
		net := total - fee

		feesCovered := min64(net, pos.FeesUSDMicros)
		net -= feesCovered
		interestCovered := min64(net, pos.InterestAccruedUSDMicros)
		net -= interestCovered
		principalCovered := min64(net, pos.PrincipalUSDMicros)
		net -= principalCovered

		shortfall := (pos.PrincipalUSDMicros + pos.InterestAccruedUSDMicros + pos.FeesUSDMicros) -
			(feesCovered + interestCovered + principalCovered)

		// Any collateral left once the waterfall fully covers the position
		// (net > 0 here only when shortfall == 0) is routed per the
		// configured LiquidationRouting rather than left stranded.
		var liquidatorShare, treasuryShare, borrowerRefund int64
		surplus := net
		if surplus > 0 {
			liquidatorShare = surplus * e.routing.LiquidatorBps / 10_000
			treasuryShare = surplus * e.routing.TreasuryBps / 10_000
			borrowerRefund = surplus - liquidatorShare - treasuryShare
			if liquidatorShare > 0 && in.Liquidator != "" {
				if _, err := ledger.CreditTx(tx, e.now(), in.Liquidator, liquidatorShare, "liquidation.surplus", in.RequestHash); err != nil {
					return err
				}
			} else {
				borrowerRefund += liquidatorShare
				liquidatorShare = 0
			}
			if treasuryShare > 0 {
				if _, err := ledger.CreditTx(tx, e.now(), treasuryWallet, treasuryShare, "liquidation.surplus", in.RequestHash); err != nil {
					return err
				}
			}
			if borrowerRefund > 0 {
				if _, err := ledger.CreditTx(tx, e.now(), line.Borrower, borrowerRefund, "liquidation.surplus", in.RequestHash); err != nil {
					return err
				}
			}
		}

		pos.FeesUSDMicros -= feesCovered
		pos.InterestAccruedUSDMicros -= interestCovered
		pos.PrincipalUSDMicros -= principalCovered
		if err := tx.Save(pos).Error; err != nil {
			return fmt.Errorf("save position: %w", err)
		}

		line.Status = string(StatusLiquidated)
		if err := tx.Save(line).Error; err != nil {
			return fmt.Errorf("save credit line: %w", err)
		}
		mc.Status = string(MarginLiquidated)
		if err := tx.Save(&mc).Error; err != nil {
			return fmt.Errorf("save margin call: %w", err)
		}

		waterfall := LiquidationWaterfall{
			TotalCollateral:  total,
			LiquidationFee:   fee,
			FeesCovered:      feesCovered,
			InterestCovered:  interestCovered,
			PrincipalCovered: principalCovered,
			Shortfall:        shortfall,
			Surplus:          surplus,
			LiquidatorShare:  liquidatorShare,
			TreasuryShare:    treasuryShare,
			BorrowerRefund:   borrowerRefund,
			LockAmounts:      lockAmounts,
		}

		lockAmountsValue := make(map[string]canonical.Value, len(lockAmounts))
		for id, amt := range lockAmounts {
			lockAmountsValue[id] = amt
		}
		env, err := e.factory.Build(receipts.KindLiq, map[string]canonical.Value{
			"credit_line_id":    line.ID,
			"margin_call_id":    mc.ID,
			"total_collateral":  total,
			"liquidation_fee":   fee,
			"fees_covered":      feesCovered,
			"interest_covered":  interestCovered,
			"principal_covered": principalCovered,
			"shortfall":         shortfall,
			"surplus":           surplus,
			"liquidator_share":  liquidatorShare,
			"treasury_share":    treasuryShare,
			"borrower_refund":   borrowerRefund,
			"lock_amounts":      lockAmountsValue,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		if err := appendEvent(tx, line.ID, "liquidate", in.RequestHash, env,
			-principalCovered, -interestCovered, -feesCovered, e.now()); err != nil {
			return err
		}

		result = LiquidateResult{Waterfall: waterfall, Receipt: env, FeeCharged: fee}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func lockLineAndPosition(tx *gorm.DB, lineID string) (*storage.CreditLine, *storage.CreditPosition, error) {
	var line storage.CreditLine
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", lineID).First(&line).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "credit line not found", kernelerrors.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("lock credit line: %w", err)
	}
	var pos storage.CreditPosition
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("credit_line_id = ?", lineID).First(&pos).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, kernelerrors.Wrap(kernelerrors.KindNotFound, "credit position not found", kernelerrors.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("lock credit position: %w", err)
	}
	return &line, &pos, nil
}

func appendEvent(tx *gorm.DB, lineID, eventType, requestHash string, env *receipts.Envelope, deltaPrincipal, deltaInterest, deltaFees int64, now time.Time) error {
	payload, err := canonical.Canonicalize(env.Payload)
	if err != nil {
		return fmt.Errorf("canonicalize event payload: %w", err)
	}
	event := storage.CreditEvent{
		ID:             uuid.NewString(),
		CreditLineID:   lineID,
		EventType:      eventType,
		Payload:        payload,
		RequestHash:    requestHash,
		ReceiptHash:    env.ReceiptHash,
		DeltaPrincipal: deltaPrincipal,
		DeltaInterest:  deltaInterest,
		DeltaFees:      deltaFees,
		CreatedAt:      now,
	}
	if err := tx.Create(&event).Error; err != nil {
		if ledger.IsUniqueViolation(err) {
			return kernelerrors.Wrap(kernelerrors.KindDuplicateRequest, "duplicate request_hash", kernelerrors.ErrDuplicateRequest)
		}
		return fmt.Errorf("append credit event: %w", err)
	}
	kind, _ := env.Payload["receipt_type"].(string)
	if err := ledger.PersistReceipt(tx, env, receipts.Kind(kind), requestHash, event.CreatedAt); err != nil {
		return err
	}
	return nil
}

// lookupEventReplay implements the idempotency controller (C5) for the
// credit-line engine: a second call with the same request_hash returns the
// previously-stamped receipt and charges no fee.
func lookupEventReplay(ctx context.Context, db *gorm.DB, requestHash string) (*storage.CreditEvent, bool, error) {
	return ledger.LookupUnique[storage.CreditEvent](ctx, db, "request_hash", requestHash)
}

func envelopeFromEvent(event *storage.CreditEvent) *receipts.Envelope {
	if event == nil {
		return nil
	}
	return &receipts.Envelope{ReceiptHash: event.ReceiptHash}
}
