// Package kernelerrors defines the typed error kinds raised by the clearing
// kernel's domain components. The dispatcher translates these into response
// shapes; domain components never format user-facing messages themselves.
package kernelerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the formal error categories surfaced at the
// request boundary.
type Kind string

const (
	KindEncoding           Kind = "EncodingError"
	KindSignatureInvalid   Kind = "SignatureInvalid"
	KindNotFound           Kind = "NotFound"
	KindPreconditionFailed Kind = "PreconditionFailed"
	KindInsufficientFunds  Kind = "InsufficientFunds"
	KindCreditRequired     Kind = "CreditRequired"
	KindSealRequired       Kind = "SealRequired"
	KindDuplicateRequest   Kind = "DuplicateRequest"
	KindTimeout            Kind = "Timeout"
	KindInternal           Kind = "Internal"
)

// Error is the typed error carried across component boundaries. It always
// reports a Kind alongside a human-readable message and an optional
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err does
// not carry a typed kernel error.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return KindInternal
}

// Is reports whether err (or something it wraps) carries the supplied kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CreditRequired carries the structured hints a client agent needs to
// self-remediate a paywall rejection.
type CreditRequired struct {
	*Error
	RequiredUSDMicros int64
	CurrentBalance    int64
	PurchaseURL       string
}

func NewCreditRequired(required, current int64, purchaseURL string) *CreditRequired {
	return &CreditRequired{
		Error:             New(KindCreditRequired, "insufficient wallet balance for operation"),
		RequiredUSDMicros: required,
		CurrentBalance:    current,
		PurchaseURL:       purchaseURL,
	}
}

// SealRequired carries the structured hint for a missing conformance seal.
type SealRequired struct {
	*Error
	SealIssueURL string
}

func NewSealRequired(target, sealIssueURL string) *SealRequired {
	return &SealRequired{
		Error:        New(KindSealRequired, fmt.Sprintf("no conformance seal on file for %s", target)),
		SealIssueURL: sealIssueURL,
	}
}

// Sentinel errors for common conditions that domain packages wrap with
// additional context via fmt.Errorf("...: %w", err).
var (
	ErrNotFound           = errors.New("kernel: entity not found")
	ErrPreconditionFailed = errors.New("kernel: precondition failed")
	ErrInsufficientFunds  = errors.New("kernel: insufficient funds")
	ErrSignatureInvalid   = errors.New("kernel: signature invalid")
	ErrEncoding           = errors.New("kernel: encoding rejected")
	ErrDuplicateRequest   = errors.New("kernel: duplicate request")
	ErrTimeout            = errors.New("kernel: operation timed out")
)
