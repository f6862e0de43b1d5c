package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// LookupUnique looks up a single row of T whose named unique column equals
// value, grounded on the donor's idempotency-lookup-before-execute pattern
// (services/escrow-gateway/server.go, services/otc-gateway/middleware).
// Returns (nil, false, nil) on a clean miss.
func LookupUnique[T any](ctx context.Context, db *gorm.DB, column, value string) (*T, bool, error) {
	var row T
	err := db.WithContext(ctx).Where(fmt.Sprintf("%s = ?", column), value).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger: idempotency lookup on %s: %w", column, err)
	}
	return &row, true, nil
}

// IsUniqueViolation reports whether err represents a unique-constraint
// conflict from either the postgres or sqlite driver. Per spec §4.5 the
// UNIQUE column is the source of truth for exactly-once execution: a
// concurrent duplicate insert fails at the database rather than relying on
// application-level pre-checks. The credit and escrow event appends turn it
// into DuplicateRequest; PersistReceipt and the dispatcher's audit append
// treat it as already recorded.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
