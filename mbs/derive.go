// Package mbs implements the money balance sheet / agent ledger report
// derivation (spec C10): walk every netted obligation touching an agent and
// fold it into receivable/payable totals and a per-counterparty net
// position, then stamp the result as a kernel-signed receipt.
package mbs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"primordia/canonical"
	common "primordia/kernelcommon"
	"primordia/kernelerrors"
	"primordia/ledger"
	"primordia/receipts"
	"primordia/storage"
)

const moduleName = "mbs"

// packTeamThresholdUSDMicros is the minimum wallet balance required to
// request an MBS or an ALR (25,000 USD), per the enterprise-report gating
// rule.
const packTeamThresholdUSDMicros = 25_000_000_000

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

// BalanceSheet is the MBS derivation output for one agent.
type BalanceSheet struct {
	Agent                 string
	TotalReceivableUSD    int64
	TotalPayableUSD       int64
	CounterpartyPositions map[string]int64 // positive = agent is owed; negative = agent owes
	Receipt               *receipts.Envelope
}

type DeriveInput struct {
	Agent       string
	SealHash    string // conformance seal required per spec §4.10
	RequestHash string
}

// Derive requires a conformance seal on file and a wallet balance of at
// least packTeamThresholdUSDMicros, the same preconditions as Report. It
// charges no fee.
func (e *Engine) Derive(ctx context.Context, in DeriveInput) (*BalanceSheet, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireSeal(ctx, in.Agent); err != nil {
		return nil, err
	}
	balance, err := e.wallet.GetBalance(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	if balance < packTeamThresholdUSDMicros {
		return nil, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed,
			"balance sheet derivation requires a pack-team wallet balance", kernelerrors.ErrPreconditionFailed)
	}

	var obligations []storage.Obligation
	if err := e.db.WithContext(ctx).
		Where("debtor = ? OR creditor = ?", in.Agent, in.Agent).
		Order("created_at asc").
		Find(&obligations).Error; err != nil {
		return nil, fmt.Errorf("mbs: load obligations: %w", err)
	}

	sheet := foldObligations(in.Agent, obligations)

	env, err := e.factory.Build(receipts.KindMBS, map[string]canonical.Value{
		"agent":              in.Agent,
		"total_receivable":   sheet.TotalReceivableUSD,
		"total_payable":      sheet.TotalPayableUSD,
		"counterparty_count": int64(len(sheet.CounterpartyPositions)),
		"counterparties":     joinSorted(sortedCounterparties(sheet.CounterpartyPositions)),
	}, in.RequestHash)
	if err != nil {
		return nil, err
	}
	if err := ledger.PersistReceipt(e.db.WithContext(ctx), env, receipts.KindMBS, in.RequestHash, e.now()); err != nil {
		return nil, err
	}
	sheet.Receipt = env
	return sheet, nil
}

func joinSorted(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

// AgentLedgerReport extends BalanceSheet with period filtering and line
// items, gated by the packTeamThresholdUSDMicros wallet balance. No fee is
// charged for it.
type AgentLedgerReport struct {
	BalanceSheet
	PeriodStart int64
	PeriodEnd   int64
	LineItems   []LineItem
}

type LineItem struct {
	Counterparty    string
	AmountUSDMicros int64
	Direction       string // receivable|payable
	IANReceiptHash  string
	CreatedAtMS     int64
}

type ReportInput struct {
	Agent       string
	PeriodStart int64
	PeriodEnd   int64
	RequestHash string
}

// Report derives an Agent Ledger Report: period-filtered line items plus
// the same counterparty rollup as Derive. The caller's wallet balance must
// already clear packTeamThresholdUSDMicros. No fee is deducted, neither here
// nor in the dispatcher, which routes alr.report straight to Report.
func (e *Engine) Report(ctx context.Context, in ReportInput) (*AgentLedgerReport, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireSeal(ctx, in.Agent); err != nil {
		return nil, err
	}
	balance, err := e.wallet.GetBalance(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	if balance < packTeamThresholdUSDMicros {
		return nil, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed,
			"agent ledger report requires a pack-team wallet balance", kernelerrors.ErrPreconditionFailed)
	}

	var obligations []storage.Obligation
	q := e.db.WithContext(ctx).Where("debtor = ? OR creditor = ?", in.Agent, in.Agent)
	if in.PeriodStart > 0 {
		q = q.Where("created_at >= ?", time.UnixMilli(in.PeriodStart))
	}
	if in.PeriodEnd > 0 {
		q = q.Where("created_at <= ?", time.UnixMilli(in.PeriodEnd))
	}
	if err := q.Order("created_at asc").Find(&obligations).Error; err != nil {
		return nil, fmt.Errorf("mbs: load obligations for report: %w", err)
	}

	sheet := foldObligations(in.Agent, obligations)
	lineItems := make([]LineItem, 0, len(obligations))
	for _, ob := range obligations {
		item := LineItem{AmountUSDMicros: ob.AmountUSDMicros, IANReceiptHash: ob.IANReceiptHash, CreatedAtMS: ob.CreatedAt.UnixMilli()}
		if ob.Creditor == in.Agent {
			item.Counterparty = ob.Debtor
			item.Direction = "receivable"
		} else {
			item.Counterparty = ob.Creditor
			item.Direction = "payable"
		}
		lineItems = append(lineItems, item)
	}

	env, err := e.factory.Build(receipts.KindALR, map[string]canonical.Value{
		"agent":            in.Agent,
		"period_start":     in.PeriodStart,
		"period_end":       in.PeriodEnd,
		"total_receivable": sheet.TotalReceivableUSD,
		"total_payable":    sheet.TotalPayableUSD,
		"line_item_count":  int64(len(lineItems)),
	}, in.RequestHash)
	if err != nil {
		return nil, err
	}
	if err := ledger.PersistReceipt(e.db.WithContext(ctx), env, receipts.KindALR, in.RequestHash, e.now()); err != nil {
		return nil, err
	}
	sheet.Receipt = env

	return &AgentLedgerReport{
		BalanceSheet: *sheet,
		PeriodStart:  in.PeriodStart,
		PeriodEnd:    in.PeriodEnd,
		LineItems:    lineItems,
	}, nil
}

// ExportCSV renders an AgentLedgerReport's line items as CSV text, the
// export format alongside the report's native JSON/receipt shape.
func ExportCSV(report *AgentLedgerReport) string {
	lines := make([]string, 0, len(report.LineItems)+1)
	lines = append(lines, "counterparty,amount_usd_micros,direction,ian_receipt_hash,created_at_ms")
	for _, item := range report.LineItems {
		lines = append(lines, fmt.Sprintf("%s,%d,%s,%s,%d",
			item.Counterparty, item.AmountUSDMicros, item.Direction, item.IANReceiptHash, item.CreatedAtMS))
	}
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (e *Engine) requireSeal(ctx context.Context, agent string) error {
	var seal storage.Seal
	err := e.db.WithContext(ctx).Where("target = ?", agent).First(&seal).Error
	if err != nil {
		return kernelerrors.NewSealRequired(agent, "https://kernel.local/seals")
	}
	return nil
}

// foldObligations implements the §4.10 traversal: for each obligation where
// the agent is the creditor, it adds to total_receivable and increases the
// counterparty's position (the agent is owed); where the agent is the
// debtor, it adds to total_payable and decreases the counterparty's
// position (the agent owes).
func foldObligations(agent string, obligations []storage.Obligation) *BalanceSheet {
	sheet := &BalanceSheet{Agent: agent, CounterpartyPositions: make(map[string]int64)}
	for _, ob := range obligations {
		switch {
		case ob.Creditor == agent:
			sheet.TotalReceivableUSD += ob.AmountUSDMicros
			sheet.CounterpartyPositions[ob.Debtor] += ob.AmountUSDMicros
		case ob.Debtor == agent:
			sheet.TotalPayableUSD += ob.AmountUSDMicros
			sheet.CounterpartyPositions[ob.Creditor] -= ob.AmountUSDMicros
		}
	}
	return sheet
}

// sortedCounterparties is a small helper for deterministic iteration when a
// caller needs to print or canonicalize the position map.
func sortedCounterparties(positions map[string]int64) []string {
	keys := make([]string, 0, len(positions))
	for k := range positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
