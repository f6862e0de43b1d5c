package receipts

import (
	"fmt"

	"primordia/canonical"
	"primordia/kernelcrypto"
)

const issuer = "clearing-kernel"

// Envelope is a fully-stamped, immutable receipt: the canonical payload plus
// the hash and signature computed over it.
type Envelope struct {
	Payload         map[string]canonical.Value
	ReceiptHash     string
	KernelSignature string
}

// AsMap returns the envelope flattened into a single map suitable for JSON
// responses or a jsonb storage column: the payload fields plus
// receipt_hash and kernel_signature.
func (e *Envelope) AsMap() map[string]canonical.Value {
	out := make(map[string]canonical.Value, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["receipt_hash"] = e.ReceiptHash
	out["kernel_signature"] = e.KernelSignature
	return out
}

// Factory stamps receipts with the kernel's identity and signing key.
type Factory struct {
	KernelPublicHex  string
	KernelPrivateHex string
	Now              func() int64 // monotonic wall-clock milliseconds
}

func NewFactory(publicHex, privateHex string, now func() int64) *Factory {
	return &Factory{KernelPublicHex: publicHex, KernelPrivateHex: privateHex, Now: now}
}

// Build constructs, hashes, and signs a receipt of the given kind. fields
// carries the kind's required attributes (spec §3's table); Build adds the
// common attributes (version, receipt_type, issuer, timestamp_ms,
// request_hash, kernel_pubkey) before computing the hash, so callers never
// need to know the common-field names.
func (f *Factory) Build(kind Kind, fields map[string]canonical.Value, requestHash string) (*Envelope, error) {
	payload := make(map[string]canonical.Value, len(fields)+6)
	for k, v := range fields {
		payload[k] = v
	}
	payload[versionField(kind)] = int64(1)
	payload["receipt_type"] = string(kind)
	payload["issuer"] = issuer
	payload["timestamp_ms"] = f.Now()
	payload["request_hash"] = requestHash
	payload["kernel_pubkey"] = f.KernelPublicHex

	canonicalBytes, err := canonical.Canonicalize(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: canonicalize %s payload: %w", kind, err)
	}
	receiptHash := kernelcrypto.Hash(canonicalBytes)
	signature, err := kernelcrypto.Sign(receiptHash, f.KernelPrivateHex)
	if err != nil {
		return nil, fmt.Errorf("receipts: sign %s receipt: %w", kind, err)
	}

	return &Envelope{
		Payload:         payload,
		ReceiptHash:     receiptHash,
		KernelSignature: signature,
	}, nil
}

// Verify re-canonicalizes env.Payload and checks both the content-address
// and the kernel signature, per invariant 1 in spec §8.
func Verify(env *Envelope, kernelPublicHex string) bool {
	if env == nil {
		return false
	}
	canonicalBytes, err := canonical.Canonicalize(env.Payload)
	if err != nil {
		return false
	}
	if kernelcrypto.Hash(canonicalBytes) != env.ReceiptHash {
		return false
	}
	return kernelcrypto.Verify(env.ReceiptHash, env.KernelSignature, kernelPublicHex)
}

// PayloadHash computes the C1 canonical hash of an arbitrary payload
// mapping, for content-addressing submissions that are not themselves full
// receipt envelopes.
func PayloadHash(payload map[string]canonical.Value) (string, error) {
	b, err := canonical.Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("receipts: canonicalize payload: %w", err)
	}
	return kernelcrypto.Hash(b), nil
}
