// Package dispatch implements the clearing kernel's request dispatcher
// (spec C11): the single entry point that every external operation passes
// through, applying an idempotency check and an admin-key check (where
// required) before routing into the target domain engine, then appending
// an audit record of the outcome. Seal and credit-requirement gating are
// domain-specific — each engine enforces its own seal and RequireCredit
// checks immediately before it mutates state, since fee schedules and
// seal scopes vary per module.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"primordia/admin"
	"primordia/allocation"
	"primordia/credit"
	"primordia/escrow"
	"primordia/kernelerrors"
	"primordia/ledger"
	"primordia/mbs"
	"primordia/merkle"
	"primordia/netting"
	"primordia/settlement"
	"primordia/storage"
)

// Operation names the dispatcher recognizes. Each maps to exactly one
// domain engine call.
type Operation string

const (
	OpWalletBalance      Operation = "wallet.balance"
	OpWalletCredit       Operation = "wallet.credit"
	OpWalletDeduct       Operation = "wallet.deduct"
	OpCreditOpen         Operation = "credit.open"
	OpCreditDraw         Operation = "credit.draw"
	OpCreditRepay        Operation = "credit.repay"
	OpCreditLiquidate    Operation = "credit.liquidate"
	OpEscrowCreate       Operation = "escrow.create"
	OpEscrowRelease      Operation = "escrow.release"
	OpEscrowDispute      Operation = "escrow.dispute"
	OpAllocationTransfer Operation = "allocation.transfer"
	OpNettingNet         Operation = "netting.net"
	OpSettle             Operation = "settle"
	OpMBSDerive          Operation = "mbs.derive"
	OpALRReport          Operation = "alr.report"
	OpAdminSetPause      Operation = "admin.set_pause"
)

// adminOnly is the set of operations SetPause-gated to admin callers.
var adminOnly = map[Operation]bool{
	OpAdminSetPause: true,
}

// Dispatcher wires every domain engine behind the uniform gate order.
type Dispatcher struct {
	db         *gorm.DB
	wallet     *ledger.Wallet
	credit     *credit.Engine
	escrow     *escrow.Engine
	allocation *allocation.Engine
	netting    *netting.Engine
	settlement *settlement.Engine
	mbs        *mbs.Engine
	indexStore *merkle.IndexStore
	pauses     *admin.PauseStore
	adminKeys  map[string]bool
	now        func() time.Time
}

type Config struct {
	DB         *gorm.DB
	Wallet     *ledger.Wallet
	Credit     *credit.Engine
	Escrow     *escrow.Engine
	Allocation *allocation.Engine
	Netting    *netting.Engine
	Settlement *settlement.Engine
	MBS        *mbs.Engine
	IndexStore *merkle.IndexStore
	Pauses     *admin.PauseStore
	AdminKeys  map[string]bool
	Now        func() time.Time
}

func New(cfg Config) *Dispatcher {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		db: cfg.DB, wallet: cfg.Wallet, credit: cfg.Credit, escrow: cfg.Escrow,
		allocation: cfg.Allocation, netting: cfg.Netting, settlement: cfg.Settlement, mbs: cfg.MBS,
		indexStore: cfg.IndexStore, pauses: cfg.Pauses, adminKeys: cfg.AdminKeys, now: now,
	}
	if d.credit != nil {
		d.credit.SetPauses(cfg.Pauses)
	}
	if d.escrow != nil {
		d.escrow.SetPauses(cfg.Pauses)
	}
	if d.allocation != nil {
		d.allocation.SetPauses(cfg.Pauses)
	}
	if d.netting != nil {
		d.netting.SetPauses(cfg.Pauses)
	}
	if d.settlement != nil {
		d.settlement.SetPauses(cfg.Pauses)
	}
	if d.mbs != nil {
		d.mbs.SetPauses(cfg.Pauses)
	}
	return d
}

// Request is the uniform envelope every dispatched call arrives in.
type Request struct {
	Operation   Operation
	Caller      string // hex Ed25519 public key
	RequestHash string
	Params      map[string]any
}

// Response is the uniform result every dispatched call returns.
type Response struct {
	Result   any
	Replayed bool
}

// Dispatch runs Request through the gate order and routes it to the
// matching domain engine.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	// Gate 1: idempotency lookup against the uniform audit trail. A request
	// hash already recorded for this exact operation short-circuits with no
	// further side effects.
	if existing, found, err := d.lookupAudit(ctx, string(req.Operation), req.RequestHash); err != nil {
		return nil, err
	} else if found {
		return &Response{Result: existing, Replayed: true}, nil
	}

	// Gate 2: admin-key check for admin-only operations.
	if adminOnly[req.Operation] && !d.adminKeys[req.Caller] {
		return nil, admin.ErrNotAdmin
	}

	result, err := d.route(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	// Gate 3 (final): append the uniform audit event regardless of outcome,
	// so a failed attempt never silently vanishes from the trail.
	if auditErr := d.appendAudit(ctx, string(req.Operation), req.Caller, req.RequestHash, outcome); auditErr != nil && err == nil {
		return nil, auditErr
	}
	if err != nil {
		return nil, err
	}
	return &Response{Result: result}, nil
}

func (d *Dispatcher) route(ctx context.Context, req Request) (any, error) {
	switch req.Operation {
	case OpWalletBalance:
		agent, _ := req.Params["agent"].(string)
		return d.wallet.GetBalance(ctx, agent)

	case OpWalletCredit:
		agent, _ := req.Params["agent"].(string)
		amount, _ := req.Params["amount"].(int64)
		return d.wallet.Credit(ctx, agent, amount, "credit", req.RequestHash)

	case OpWalletDeduct:
		agent, _ := req.Params["agent"].(string)
		amount, _ := req.Params["amount"].(int64)
		return d.wallet.Deduct(ctx, agent, amount, "deduct", req.RequestHash)

	case OpCreditOpen:
		in, ok := req.Params["input"].(credit.OpenInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "credit.open requires an OpenInput param")
		}
		in.RequestHash = req.RequestHash
		return d.credit.Open(ctx, in)

	case OpCreditDraw:
		in, ok := req.Params["input"].(credit.DrawInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "credit.draw requires a DrawInput param")
		}
		in.RequestHash = req.RequestHash
		return d.credit.Draw(ctx, in)

	case OpCreditRepay:
		in, ok := req.Params["input"].(credit.RepayInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "credit.repay requires a RepayInput param")
		}
		in.RequestHash = req.RequestHash
		return d.credit.Repay(ctx, in)

	case OpCreditLiquidate:
		in, ok := req.Params["input"].(credit.LiquidateInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "credit.liquidate requires a LiquidateInput param")
		}
		in.RequestHash = req.RequestHash
		return d.credit.Liquidate(ctx, in)

	case OpEscrowCreate:
		in, ok := req.Params["input"].(escrow.CreateInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "escrow.create requires a CreateInput param")
		}
		in.RequestHash = req.RequestHash
		return d.escrow.Create(ctx, in)

	case OpEscrowRelease:
		in, ok := req.Params["input"].(escrow.ReleaseInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "escrow.release requires a ReleaseInput param")
		}
		in.RequestHash = req.RequestHash
		return d.escrow.Release(ctx, in)

	case OpEscrowDispute:
		in, ok := req.Params["input"].(escrow.DisputeInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "escrow.dispute requires a DisputeInput param")
		}
		in.RequestHash = req.RequestHash
		return d.escrow.Dispute(ctx, in)

	case OpAllocationTransfer:
		in, ok := req.Params["input"].(allocation.TransferInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "allocation.transfer requires a TransferInput param")
		}
		in.RequestHash = req.RequestHash
		return d.allocation.Transfer(ctx, in)

	case OpNettingNet:
		in, ok := req.Params["input"].(netting.NetInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "netting.net requires a NetInput param")
		}
		in.RequestHash = req.RequestHash
		return d.netting.Net(ctx, in)

	case OpSettle:
		in, ok := req.Params["input"].(settlement.SettleInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "settle requires a SettleInput param")
		}
		in.RequestHash = req.RequestHash
		return d.settlement.Settle(ctx, in)

	case OpMBSDerive:
		in, ok := req.Params["input"].(mbs.DeriveInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "mbs.derive requires a DeriveInput param")
		}
		in.RequestHash = req.RequestHash
		return d.mbs.Derive(ctx, in)

	case OpALRReport:
		in, ok := req.Params["input"].(mbs.ReportInput)
		if !ok {
			return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, "alr.report requires a ReportInput param")
		}
		in.RequestHash = req.RequestHash
		return d.mbs.Report(ctx, in)

	case OpAdminSetPause:
		module, _ := req.Params["module"].(string)
		paused, _ := req.Params["paused"].(bool)
		return nil, d.pauses.SetPause(ctx, d.adminKeys, req.Caller, module, paused, d.now())

	default:
		return nil, kernelerrors.New(kernelerrors.KindPreconditionFailed, fmt.Sprintf("unknown operation %q", req.Operation))
	}
}

func (d *Dispatcher) lookupAudit(ctx context.Context, operation, requestHash string) (*storage.KernelEvent, bool, error) {
	return ledger.LookupUnique[storage.KernelEvent](ctx, d.db, "id", operation+":"+requestHash)
}

func (d *Dispatcher) appendAudit(ctx context.Context, operation, agent, requestHash, outcome string) error {
	event := storage.KernelEvent{
		ID:        operation + ":" + requestHash,
		Operation: operation,
		Agent:     agent,
		Outcome:   outcome,
		CreatedAt: d.now(),
	}
	if err := d.db.WithContext(ctx).Create(&event).Error; err != nil {
		if ledger.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("dispatch: append audit event: %w", err)
	}
	return nil
}
