// Package storage defines the gorm-backed persisted-state layout described
// in spec §6: the logical tables every domain component reads and writes
// through a row-locked, transactional relational store. The model shapes
// follow the donor's services/otc-gateway/models package (uuid primary
// keys, jsonb payload columns, unique-indexed idempotency columns).
package storage

import (
	"time"

	"gorm.io/gorm"
)

// Agent is the kernel's principal: an Ed25519 public key plus lifetime
// counters (spec §3 "Agent").
type Agent struct {
	ID                      string `gorm:"primaryKey;size:128"` // hex Ed25519 public key
	DisplayName             string `gorm:"size:256"`
	LifetimeVolumeUSDMicros int64
	FreeSettlementCount     int64
	FreeSettlementEpoch     string `gorm:"size:16"` // "YYYYMM", derived from event timestamps, never wall-clock now()
	CreatedAt               time.Time
}

// Wallet holds a nonnegative USD-micros balance keyed by agent id or a
// distinguished treasury id such as "primordia:treasury".
type Wallet struct {
	ID               string `gorm:"primaryKey;size:128"`
	BalanceUSDMicros int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// WalletTransaction is an append-only log entry for every wallet mutation.
type WalletTransaction struct {
	ID              string `gorm:"primaryKey;size:36"`
	WalletID        string `gorm:"size:128;index"`
	Type            string `gorm:"size:32"`
	AmountUSDMicros int64
	Reference       string `gorm:"size:256"`
	CreatedAt       time.Time
}

// Receipt is the durable record of every stamped receipt envelope.
type Receipt struct {
	ReceiptHash string `gorm:"primaryKey;size:64"`
	Type        string `gorm:"size:16;index"`
	Payload     []byte `gorm:"type:jsonb"`
	Issuer      string `gorm:"size:64"`
	RequestHash string `gorm:"size:128;index"`
	CreatedAt   time.Time
}

// CreditLine is the spec §3 "Credit line" entity.
type CreditLine struct {
	ID                    string `gorm:"primaryKey;size:40"`
	Borrower              string `gorm:"size:128;index"`
	Lender                string `gorm:"size:128;index"`
	LimitUSDMicros        int64
	SpreadBps             int64
	MaturityTS            *int64
	CollateralRatioMinBps int64
	Status                string `gorm:"size:16"` // active|suspended|closed|liquidated
	CreatedAt             time.Time
}

// CreditPosition is one-to-one with a CreditLine.
type CreditPosition struct {
	CreditLineID             string `gorm:"primaryKey;size:40"`
	PrincipalUSDMicros       int64
	InterestAccruedUSDMicros int64
	FeesUSDMicros            int64
	LastAccrualTS            *int64
	LastAccrualWindow        string `gorm:"size:64"`
}

// CreditEvent is the append-only, replayable event log per credit line.
type CreditEvent struct {
	ID             string `gorm:"primaryKey;size:36"`
	CreditLineID   string `gorm:"size:40;index"`
	EventType      string `gorm:"size:16"`
	Payload        []byte `gorm:"type:jsonb"`
	RequestHash    string `gorm:"size:128;uniqueIndex"`
	ReceiptHash    string `gorm:"size:64"`
	DeltaPrincipal int64
	DeltaInterest  int64
	DeltaFees      int64
	CreatedAt      time.Time
}

// CollateralLock backs a credit line's pledged collateral.
type CollateralLock struct {
	ID              string `gorm:"primaryKey;size:40"`
	CreditLineID    string `gorm:"size:40;index"`
	AssetRef        string `gorm:"size:256"`
	AssetType       string `gorm:"size:16"` // ian|msr|fc|external
	AmountUSDMicros int64
	Status          string `gorm:"size:16"` // locked|unlocked|liquidated
	CreatedAt       time.Time
}

// MarginCall tracks a margin-call lifecycle against a credit line.
type MarginCall struct {
	ID                string `gorm:"primaryKey;size:40"`
	CreditLineID      string `gorm:"size:40;index"`
	RequiredUSDMicros int64
	DueTS             int64
	Status            string `gorm:"size:16"` // pending|resolved|escalated|liquidated
	ResolvedTS        *int64
	CreatedAt         time.Time
}

// Allocation records a budget transfer between wallets.
type Allocation struct {
	ID              string `gorm:"primaryKey;size:40"`
	FromWallet      string `gorm:"size:128;index"`
	ToWallet        string `gorm:"size:128;index"`
	AmountUSDMicros int64
	FeeUSDMicros    int64
	FeeBps          int64
	WindowID        *int64
	RequestHash     string `gorm:"size:128;uniqueIndex"`
	ReceiptHash     string `gorm:"size:64"`
	CreatedAt       time.Time
}

// Escrow is the two-party escrow lifecycle record (spec §4.9).
type Escrow struct {
	ID              string `gorm:"primaryKey;size:40"`
	Buyer           string `gorm:"size:128;index"`
	Seller          string `gorm:"size:128;index"`
	AmountUSDMicros int64
	Description     string `gorm:"size:1024"`
	ExpiresAt       int64
	Status          string `gorm:"size:16"` // locked|released|disputed|expired
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EscrowEvent is the escrow engine's idempotency + audit log, one row per
// mutating call against an escrow, mirroring CreditEvent's role for credit
// lines. ReceiptHash is empty for actions that issue no receipt (create,
// dispute).
type EscrowEvent struct {
	ID          string `gorm:"primaryKey;size:36"`
	EscrowID    string `gorm:"size:40;index"`
	Action      string `gorm:"size:24"`
	RequestHash string `gorm:"size:128;uniqueIndex"`
	ReceiptHash string `gorm:"size:64"`
	CreatedAt   time.Time
}

// SettlementEvent is the settle() operation's idempotency + audit log, one
// row per direct agent-to-agent MSR settlement, mirroring CreditEvent's and
// EscrowEvent's role. FreeTierUsed records whether the settlement drew down
// the payer's monthly free-settlement counter instead of being fee-charged.
type SettlementEvent struct {
	ID           string `gorm:"primaryKey;size:36"`
	FromAgent    string `gorm:"size:128;index"`
	ToAgent      string `gorm:"size:128;index"`
	RequestHash  string `gorm:"size:128;uniqueIndex"`
	ReceiptHash  string `gorm:"size:64"`
	FeeUSDMicros int64
	FreeTierUsed bool
	CreatedAt    time.Time
}

// NettingJob is idempotent by InputHash (spec §3 "Netting job").
type NettingJob struct {
	ID                  string `gorm:"primaryKey;size:40"`
	Agent               string `gorm:"size:128;index"`
	InputHash           string `gorm:"size:64;uniqueIndex"`
	ReceiptHashesJSON   []byte `gorm:"type:jsonb"`
	Status              string `gorm:"size:16"` // pending|completed|failed
	IANPayload          []byte `gorm:"type:jsonb"`
	IANReceiptHash      string `gorm:"size:64"`
	FeeChargedUSDMicros int64
	CreatedAt           time.Time
}

// Seal is the per-agent conformance stamp gating paid enterprise operations.
type Seal struct {
	Target          string `gorm:"primaryKey;size:128"`
	ConformanceHash string `gorm:"size:64"`
	IssuedAtMS      int64
	ReceiptHash     string `gorm:"size:64"`
}

// IndexWindow is an append-only Merkle window; at most one row has
// Status == "open" at a time (enforced by application logic, not a
// constraint, since the open pointer is itself state-machine driven).
type IndexWindow struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	PreviousWindowID *int64
	PreviousRootHash *string `gorm:"size:64"`
	OpenedAtMS       int64
	ClosedAtMS       *int64
	LeafCount        int64
	RootHash         *string `gorm:"size:64"`
	KernelSignature  *string `gorm:"size:128"`
	Status           string  `gorm:"size:8"` // open|closed
}

// IndexLeaf is one submitted leaf within an IndexWindow.
type IndexLeaf struct {
	ID            string `gorm:"primaryKey;size:36"`
	WindowID      int64  `gorm:"index"`
	Position      int64
	LeafType      string `gorm:"size:16"`
	PayloadHash   string `gorm:"size:64"`
	LeafHash      string `gorm:"size:64"`
	SubmittedAtMS int64
}

// KernelEvent is the uniform cross-component audit trail supplementing the
// credit-line-only event log mandated by spec §6 (SPEC_FULL.md §C.4).
type KernelEvent struct {
	ID          string `gorm:"primaryKey;size:256"`
	Operation   string `gorm:"size:64;index"`
	Agent       string `gorm:"size:128;index"`
	Outcome     string `gorm:"size:16"`
	ReceiptHash string `gorm:"size:64"`
	CreatedAt   time.Time
}

// Obligation is one debtor/creditor money-settlement fact folded into a
// netting job's IAN receipt, the raw material the MBS/ALR derivation walks
// to build a balance sheet for one agent (spec §4.10).
type Obligation struct {
	ID              string `gorm:"primaryKey;size:36"`
	IANReceiptHash  string `gorm:"size:64;index"`
	Debtor          string `gorm:"size:128;index"`
	Creditor        string `gorm:"size:128;index"`
	AmountUSDMicros int64
	CreatedAt       time.Time
}

// ModulePause backs the admin-gated emergency pause switch per module name
// (spec §9 ambient operational controls).
type ModulePause struct {
	Module    string `gorm:"primaryKey;size:32"`
	Paused    bool
	UpdatedAt time.Time
}

// AutoMigrate creates or updates every table the kernel depends on.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agent{},
		&Wallet{},
		&WalletTransaction{},
		&Receipt{},
		&CreditLine{},
		&CreditPosition{},
		&CreditEvent{},
		&CollateralLock{},
		&MarginCall{},
		&Allocation{},
		&Escrow{},
		&EscrowEvent{},
		&SettlementEvent{},
		&NettingJob{},
		&Obligation{},
		&Seal{},
		&ModulePause{},
		&IndexWindow{},
		&IndexLeaf{},
		&KernelEvent{},
	)
}
