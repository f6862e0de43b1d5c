package ledger

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"primordia/canonical"
	"primordia/receipts"
	"primordia/storage"
)

// PersistReceipt appends env to the shared receipts table, giving every
// issued receipt one queryable home addressed by receipt_hash regardless of
// which domain engine stamped it, per spec §6's persisted-state-layout
// contract. Call it inside the same transaction as the domain mutation it
// documents. A receipt_hash collision (the same canonical payload issued
// twice, e.g. via PersistReceipt being called again on a replay path) is not
// an error.
func PersistReceipt(tx *gorm.DB, env *receipts.Envelope, kind receipts.Kind, requestHash string, issuedAt time.Time) error {
	payload, err := canonical.Canonicalize(env.Payload)
	if err != nil {
		return fmt.Errorf("ledger: canonicalize receipt payload: %w", err)
	}
	row := storage.Receipt{
		ReceiptHash: env.ReceiptHash,
		Type:        string(kind),
		Payload:     payload,
		Issuer:      "clearing-kernel",
		RequestHash: requestHash,
		CreatedAt:   issuedAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		if IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("ledger: persist receipt %s: %w", env.ReceiptHash, err)
	}
	return nil
}
