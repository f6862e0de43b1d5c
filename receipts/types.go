// Package receipts implements the clearing kernel's content-addressed,
// signed receipt factory (spec C3). Receipts are built as an immutable
// payload, hashed once, then wrapped in an envelope carrying the hash and
// kernel signature — the cyclic "hash a mutable map, then add fields to it"
// pattern spec.md §9 calls out is deliberately avoided.
package receipts

// Kind enumerates the fourteen receipt kinds the kernel issues.
type Kind string

const (
	KindMSR    Kind = "MSR"
	KindIAN    Kind = "IAN"
	KindCL     Kind = "CL"
	KindDraw   Kind = "DRAW"
	KindRepay  Kind = "REPAY"
	KindIAR    Kind = "IAR"
	KindFee    Kind = "FEE"
	KindColl   Kind = "COLL"
	KindMargin Kind = "MARGIN"
	KindLiq    Kind = "LIQ"
	KindAlloc  Kind = "ALLOC"
	KindSeal   Kind = "SEAL"
	KindMBS    Kind = "MBS"
	KindALR    Kind = "ALR"
)

// versionField returns the kind-specific version field name, e.g.
// "msr_version" for KindMSR, matching spec §3's "<type>_version" attribute.
func versionField(k Kind) string {
	lower := make([]byte, len(k))
	for i := 0; i < len(k); i++ {
		c := k[i]
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		lower[i] = c
	}
	return string(lower) + "_version"
}
