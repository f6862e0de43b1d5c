// Package netting implements the netting engine (spec C7): given a batch of
// already-issued MSR settlement receipts for one agent, verify them, dedupe
// and sort their hashes, and issue a single signed IAN receipt summarizing
// the batch, submitting it to the index engine for Merkle inclusion.
package netting

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"primordia/canonical"
	common "primordia/kernelcommon"
	"primordia/kernelcrypto"
	"primordia/kernelerrors"
	"primordia/ledger"
	"primordia/merkle"
	"primordia/receipts"
	"primordia/storage"
)

const moduleName = "netting"

// feeBps is the netting fee rate applied to the sum of netted receipt
// amounts, per the kernel fee schedule: fee = bps * sum(amount) / 10_000.
const feeBps = 5

// purchaseURL is returned in CreditRequired rejections so a client agent can
// self-remediate, mirroring the credit package's convention.
const purchaseURL = "https://kernel.local/wallet/topup"

// VerificationPolicy controls whether InputReceipt signatures are checked.
// It is always an explicit per-call argument, never a process-wide flag, so
// that relaxing verification for a test harness can never leak into a
// production code path by configuration drift.
type VerificationPolicy int

const (
	Strict VerificationPolicy = iota
	TrustedInputs
)

// InputReceipt is one MSR settlement receipt being folded into a netting
// batch. Payer is the debtor, Payee the creditor.
type InputReceipt struct {
	Envelope *receipts.Envelope
	Payer    string
	Payee    string
	Amount   int64
}

type Engine struct {
	db              *gorm.DB
	wallet          *ledger.Wallet
	factory         *receipts.Factory
	indexStore      *merkle.IndexStore
	now             func() time.Time
	kernelPublicHex string
	pauses          common.PauseView
}

func NewEngine(db *gorm.DB, wallet *ledger.Wallet, factory *receipts.Factory, indexStore *merkle.IndexStore, kernelPublicHex string, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{db: db, wallet: wallet, factory: factory, indexStore: indexStore, kernelPublicHex: kernelPublicHex, now: now}
}

func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

type NetInput struct {
	Agent       string
	Receipts    []InputReceipt
	Policy      VerificationPolicy
	RequestHash string
}

type NetResult struct {
	Job        *storage.NettingJob
	Receipt    *receipts.Envelope
	FeeCharged int64
	Submission *merkle.SubmitResult
	Replayed   bool
}

// Net verifies (unless Policy == TrustedInputs), dedupes, and sorts the
// batch's receipt hashes, charges the netting fee, issues one IAN receipt,
// and submits it for Merkle inclusion. A failure inside the transaction
// rolls the fee deduction back with everything else; if the index
// submission fails afterwards, the job is saved as failed and the fee
// refunded.
func (e *Engine) Net(ctx context.Context, in NetInput) (*NetResult, error) {
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if len(in.Receipts) == 0 {
		return nil, kernelerrors.Wrap(kernelerrors.KindPreconditionFailed, "netting batch is empty", kernelerrors.ErrPreconditionFailed)
	}

	if in.Policy == Strict {
		for _, r := range in.Receipts {
			if !receipts.Verify(r.Envelope, e.kernelPublicHex) {
				return nil, kernelerrors.Wrap(kernelerrors.KindSignatureInvalid, "input receipt failed signature verification", kernelerrors.ErrSignatureInvalid)
			}
		}
	}

	hashes, uniqueReceipts := dedupeSorted(in.Receipts)
	inputHash, err := computeInputHash(hashes)
	if err != nil {
		return nil, err
	}

	if existing, found, err := ledger.LookupUnique[storage.NettingJob](ctx, e.db, "input_hash", inputHash); err != nil {
		return nil, err
	} else if found {
		return &NetResult{
			Job:      existing,
			Receipt:  &receipts.Envelope{ReceiptHash: existing.IANReceiptHash},
			Replayed: true,
		}, nil
	}

	var sum int64
	for _, r := range uniqueReceipts {
		sum += r.Amount
	}
	fee := sum * feeBps / 10_000

	netObligations := foldObligations(uniqueReceipts)
	obligationsValue := make([]canonical.Value, len(netObligations))
	for i, o := range netObligations {
		obligationsValue[i] = map[string]canonical.Value{
			"debtor":   o.Debtor,
			"creditor": o.Creditor,
			"amount":   o.Amount,
		}
	}

	job := &storage.NettingJob{
		ID:        uuid.NewString(),
		Agent:     in.Agent,
		InputHash: inputHash,
		Status:    "pending",
		CreatedAt: e.now(),
	}

	if fee > 0 {
		if err := e.wallet.RequireCredit(ctx, in.Agent, fee, purchaseURL); err != nil {
			return nil, err
		}
	}

	var ianEnv *receipts.Envelope
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if fee > 0 {
			if _, err := ledger.DeductTx(tx, e.now(), in.Agent, fee, "fee", "netting.net"); err != nil {
				return err
			}
		}

		built, err := e.factory.Build(receipts.KindIAN, map[string]canonical.Value{
			"agent":           in.Agent,
			"receipt_hashes":  hashesValue(hashes),
			"count":           int64(len(hashes)),
			"fee":             fee,
			"net_obligations": obligationsValue,
		}, in.RequestHash)
		if err != nil {
			return err
		}
		ianEnv = built
		job.FeeChargedUSDMicros = fee
		job.IANReceiptHash = ianEnv.ReceiptHash

		hashesJSON, err := canonical.Canonicalize(map[string]canonical.Value{"hashes": hashesValue(hashes)})
		if err != nil {
			return fmt.Errorf("canonicalize receipt hash list: %w", err)
		}
		job.ReceiptHashesJSON = hashesJSON

		ianPayload, err := canonical.Canonicalize(ianEnv.Payload)
		if err != nil {
			return fmt.Errorf("canonicalize ian payload: %w", err)
		}
		job.IANPayload = ianPayload
		job.Status = "completed"

		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create netting job: %w", err)
		}

		for _, o := range netObligations {
			ob := storage.Obligation{
				ID:              uuid.NewString(),
				IANReceiptHash:  ianEnv.ReceiptHash,
				Debtor:          o.Debtor,
				Creditor:        o.Creditor,
				AmountUSDMicros: o.Amount,
				CreatedAt:       e.now(),
			}
			if err := tx.Create(&ob).Error; err != nil {
				return fmt.Errorf("record obligation: %w", err)
			}
		}
		return ledger.PersistReceipt(tx, ianEnv, receipts.KindIAN, in.RequestHash, e.now())
	})
	if err != nil {
		// The fee deduction above ran inside this same transaction, so a
		// rollback already undoes it; nothing further to refund here.
		return nil, err
	}

	submission, err := e.indexStore.Submit(ctx, "ian", ianEnv.ReceiptHash)
	if err != nil {
		job.Status = "failed"
		if saveErr := e.db.WithContext(ctx).Save(job).Error; saveErr != nil {
			return nil, fmt.Errorf("mark netting job failed: %w", saveErr)
		}
		if refundErr := e.markFailedAndRefund(ctx, job, fee, in.Agent); refundErr != nil {
			return nil, fmt.Errorf("refund after failed index submission: %w", refundErr)
		}
		return nil, fmt.Errorf("submit ian to index engine: %w", err)
	}

	return &NetResult{Job: job, Receipt: ianEnv, FeeCharged: fee, Submission: submission}, nil
}

func (e *Engine) markFailedAndRefund(ctx context.Context, job *storage.NettingJob, fee int64, agent string) error {
	if fee <= 0 {
		return nil
	}
	_, err := ledger.CreditTx(e.db.WithContext(ctx), e.now(), agent, fee, "refund", "netting.failed:"+job.ID)
	return err
}

// Cancel applies the bilateral cancellation algorithm to a single pair of
// opposing obligations: (A->B:x, B->A:y) collapses to a single net
// obligation in the direction of the larger amount.
func Cancel(aToB, bToA int64) (netFromA bool, amount int64) {
	if aToB >= bToA {
		return true, aToB - bToA
	}
	return false, bToA - aToB
}

// NetObligation is one counterparty-pair obligation surviving bilateral
// cancellation: at most one row per unordered (debtor, creditor) pair, in
// the direction of whichever side owed more.
type NetObligation struct {
	Debtor   string
	Creditor string
	Amount   int64
}

// foldObligations groups a batch's receipts by unordered counterparty pair,
// sums each direction, and applies Cancel per §4.7: A->B:50 plus B->A:20
// collapses to a single A->B:30 obligation rather than two uncompressed
// rows. Pairs that net to zero are dropped. The result is sorted by
// (debtor, creditor) so the signed payload is deterministic regardless of
// input order.
func foldObligations(in []InputReceipt) []NetObligation {
	type pairSum struct{ aToB, bToA int64 }
	sums := make(map[[2]string]*pairSum)
	for _, r := range in {
		key, swapped := pairKey(r.Payer, r.Payee)
		s, ok := sums[key]
		if !ok {
			s = &pairSum{}
			sums[key] = s
		}
		if swapped {
			s.bToA += r.Amount
		} else {
			s.aToB += r.Amount
		}
	}

	keys := make([][2]string, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})

	obligations := make([]NetObligation, 0, len(keys))
	for _, k := range keys {
		s := sums[k]
		fromA, amount := Cancel(s.aToB, s.bToA)
		if amount == 0 {
			continue
		}
		if fromA {
			obligations = append(obligations, NetObligation{Debtor: k[0], Creditor: k[1], Amount: amount})
		} else {
			obligations = append(obligations, NetObligation{Debtor: k[1], Creditor: k[0], Amount: amount})
		}
	}
	return obligations
}

// pairKey canonicalizes an ordered (payer, payee) pair into an
// alphabetically sorted key, reporting whether the pair arrived swapped
// relative to that canonical order.
func pairKey(payer, payee string) (key [2]string, swapped bool) {
	if payer <= payee {
		return [2]string{payer, payee}, false
	}
	return [2]string{payee, payer}, true
}

// dedupeSorted returns the batch's distinct receipt hashes in ascending
// byte order alongside the one InputReceipt each hash resolves to.
func dedupeSorted(in []InputReceipt) ([]string, []InputReceipt) {
	byHash := make(map[string]InputReceipt, len(in))
	for _, r := range in {
		byHash[r.Envelope.ReceiptHash] = r
	}
	hashes := make([]string, 0, len(byHash))
	for h := range byHash {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	unique := make([]InputReceipt, len(hashes))
	for i, h := range hashes {
		unique[i] = byHash[h]
	}
	return hashes, unique
}

func hashesValue(hashes []string) string {
	var b bytes.Buffer
	for i, h := range hashes {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(h)
	}
	return b.String()
}

func computeInputHash(hashes []string) (string, error) {
	payload := map[string]canonical.Value{"receipt_hashes": hashesValue(hashes)}
	b, err := canonical.Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize input hash payload: %w", err)
	}
	return kernelcrypto.Hash(b), nil
}
