// Package settlement implements the direct agent-to-agent settle() operation
// (spec §6): a single MSR between two agents, free up to each payer's
// monthly settlement quota and MDR-style fee-charged once that quota is
// exhausted, following the donor fee engine's policy-evaluation shape.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"primordia/canonical"
	"primordia/fees"
	common "primordia/kernelcommon"
	"primordia/ledger"
	"primordia/receipts"
	"primordia/storage"
)

const moduleName = "settlement"

const treasuryWallet = "primordia:treasury"

const settlementAsset = "USD"

// purchaseURL is returned in CreditRequired rejections so a client agent can
// self-remediate, mirroring the credit package's convention.
const purchaseURL = "https://kernel.local/wallet/topup"

// Policy is the settle() fee domain evaluated through fees.Apply: a monthly
// free-settlement quota per agent and a flat basis-point rate on whatever
// settle() calls exceed it. No explicit fee is named for settle() in the fee
// schedule; this reuses the MDR-style rate/quota shape the donor fee engine
// applies to its own payment domains.
var Policy = fees.DomainPolicy{
	FreeTierTxPerMonth: 50,
	MDRBasisPoints:     10,
	Assets: map[string]fees.AssetPolicy{
		settlementAsset: {MDRBasisPoints: 10},
	},
}

var (
	ErrInvalidAmount = errors.New("settlement: amount must be positive")
	ErrSameAgent     = errors.New("settlement: from and to agent must differ")
)

// Engine implements settle(). It shares no state with allocation or escrow
// but mirrors their locking and idempotency idioms exactly.
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

type SettleInput struct {
	FromAgent   string
	ToAgent     string
	Amount      int64
	RequestHash string
}

type SettleResult struct {
	Receipt      *receipts.Envelope
	FeeCharged   int64
	NetAmount    int64
	FreeTierUsed bool
	Replayed     bool
}

// Settle debits Amount from FromAgent's wallet, evaluates the settlement fee
// policy against FromAgent's usage so far this epoch, credits the resulting
// net amount to ToAgent, routes any fee to the treasury wallet, and issues
// the MSR receipt documenting the payment.
func (e *Engine) Settle(ctx context.Context, in SettleInput) (*SettleResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.FromAgent == in.ToAgent {
		return nil, ErrSameAgent
	}

	if existing, replayed, err := lookupSettlementReplay(ctx, e.db, in.RequestHash); err != nil {
		return nil, err
	} else if replayed {
		return &SettleResult{
			Receipt:      &receipts.Envelope{ReceiptHash: existing.ReceiptHash},
			FeeCharged:   existing.FeeUSDMicros,
			NetAmount:    in.Amount - existing.FeeUSDMicros,
			FreeTierUsed: existing.FreeTierUsed,
			Replayed:     true,
		}, nil
	}

	if err := e.wallet.RequireCredit(ctx, in.FromAgent, in.Amount, purchaseURL); err != nil {
		return nil, err
	}

	var env *receipts.Envelope
	var fee, net int64
	var freeTierUsed bool

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		epoch := epochFor(e.now())
		agent, err := lockOrCreateAgent(tx, in.FromAgent, e.now())
		if err != nil {
			return err
		}
		usageCount := agent.FreeSettlementCount
		if agent.FreeSettlementEpoch != epoch {
			usageCount = 0
		}

		result := fees.Apply(fees.ApplyInput{
			Domain:      moduleName,
			Gross:       big.NewInt(in.Amount),
			UsageCount:  uint64(usageCount),
			Config:      Policy,
			WindowStart: e.now(),
			Asset:       settlementAsset,
		})
		fee = result.Fee.Int64()
		net = result.Net.Int64()
		freeTierUsed = result.FreeTierApplied

		agent.FreeSettlementEpoch = epoch
		agent.FreeSettlementCount = int64(result.Counter)
		if err := tx.Save(agent).Error; err != nil {
			return fmt.Errorf("save agent: %w", err)
		}

		if _, err := ledger.DeductTx(tx, e.now(), in.FromAgent, in.Amount, "settlement.out", in.RequestHash); err != nil {
			return err
		}
		if _, err := ledger.CreditTx(tx, e.now(), in.ToAgent, net, "settlement.in", in.RequestHash); err != nil {
			return err
		}
		if fee > 0 {
			if _, err := ledger.CreditTx(tx, e.now(), treasuryWallet, fee, "fee", "settlement.settle"); err != nil {
				return err
			}
		}

		built, err := e.factory.Build(receipts.KindMSR, map[string]canonical.Value{
			"payer":  in.FromAgent,
			"payee":  in.ToAgent,
			"amount": net,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		env = built

		event := storage.SettlementEvent{
			ID:           uuid.NewString(),
			FromAgent:    in.FromAgent,
			ToAgent:      in.ToAgent,
			RequestHash:  in.RequestHash,
			ReceiptHash:  env.ReceiptHash,
			FeeUSDMicros: fee,
			FreeTierUsed: freeTierUsed,
			CreatedAt:    e.now(),
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("append settlement event: %w", err)
		}

		kind, _ := env.Payload["receipt_type"].(string)
		return ledger.PersistReceipt(tx, env, receipts.Kind(kind), in.RequestHash, e.now())
	})
	if err != nil {
		return nil, err
	}

	return &SettleResult{Receipt: env, FeeCharged: fee, NetAmount: net, FreeTierUsed: freeTierUsed}, nil
}

// epochFor derives the "YYYYMM" period bucket from the settlement's own
// recorded timestamp rather than comparing against a separately-read
// wall-clock value, so repeated resolution of the same logical settlement
// never straddles an epoch boundary under clock skew.
func epochFor(t time.Time) string {
	return t.UTC().Format("200601")
}

func lookupSettlementReplay(ctx context.Context, db *gorm.DB, requestHash string) (*storage.SettlementEvent, bool, error) {
	return ledger.LookupUnique[storage.SettlementEvent](ctx, db, "request_hash", requestHash)
}

// lockOrCreateAgent loads id for update within tx, registering a fresh Agent
// row first if none exists yet, mirroring ledger.lockOrCreateWallet.
func lockOrCreateAgent(tx *gorm.DB, id string, now time.Time) (*storage.Agent, error) {
	var row storage.Agent
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = storage.Agent{ID: id, CreatedAt: now}
		if err := tx.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&row).Error; err != nil {
			return nil, fmt.Errorf("re-lock created agent: %w", err)
		}
		return &row, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock agent: %w", err)
	}
	return &row, nil
}
