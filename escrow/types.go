// Package escrow implements the two-party escrow lifecycle (spec C9,
// second half): buyer and seller agree a held amount, the buyer later
// releases it as an MSR settlement, either party may dispute, and an
// unreleased escrow expires. Grounded on the donor escrow engine's
// status-enum and sanitize-then-mutate idiom, stripped of its realm and
// arbitration-committee machinery, which has no counterpart in this
// domain's two-party model.
package escrow

import "errors"

// Status is an escrow's lifecycle state.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusDisputed Status = "disputed"
	StatusExpired  Status = "expired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusLocked, StatusReleased, StatusDisputed, StatusExpired:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound           = errors.New("escrow: not found")
	ErrNotLocked          = errors.New("escrow: not in locked state")
	ErrNotDisputed        = errors.New("escrow: not in disputed state")
	ErrNotBuyer           = errors.New("escrow: caller is not the buyer")
	ErrNotParty           = errors.New("escrow: caller is not a party to the escrow")
	ErrExpired            = errors.New("escrow: already expired")
	ErrNotExpired         = errors.New("escrow: not yet expired")
	ErrInvalidAmount      = errors.New("escrow: amount must be positive")
	ErrDescriptionTooLong = errors.New("escrow: description too long")
)

const maxDescriptionLength = 1024
