package receipts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"primordia/canonical"
	"primordia/kernelcrypto"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	kp, err := kernelcrypto.GenerateKeyPair()
	require.NoError(t, err)
	tick := int64(1_700_000_000_000)
	return NewFactory(kp.PublicHex, kp.PrivateHex, func() int64 {
		tick++
		return tick
	})
}

func TestBuildVerifies(t *testing.T) {
	f := testFactory(t)
	env, err := f.Build(KindMSR, map[string]canonical.Value{
		"payer":  "agent-a",
		"payee":  "agent-b",
		"amount": int64(50_000_000),
	}, "r1")
	require.NoError(t, err)

	require.True(t, Verify(env, f.KernelPublicHex))
	require.Equal(t, string(KindMSR), env.Payload["receipt_type"])
	require.Equal(t, "clearing-kernel", env.Payload["issuer"])
}

func TestBuildDoesNotIncludeHashOrSignatureInHashedPayload(t *testing.T) {
	f := testFactory(t)
	env, err := f.Build(KindDraw, map[string]canonical.Value{"credit_line_id": "cl1"}, "r2")
	require.NoError(t, err)

	_, hasHash := env.Payload["receipt_hash"]
	_, hasSig := env.Payload["kernel_signature"]
	require.False(t, hasHash)
	require.False(t, hasSig)

	recomputed, err := canonical.Canonicalize(env.Payload)
	require.NoError(t, err)
	require.Equal(t, env.ReceiptHash, kernelcrypto.Hash(recomputed))
}

func TestVerifyFailsOnTamperedPayload(t *testing.T) {
	f := testFactory(t)
	env, err := f.Build(KindFee, map[string]canonical.Value{"fee_type": "late", "amount": int64(1000)}, "r3")
	require.NoError(t, err)

	env.Payload["amount"] = int64(999999)
	require.False(t, Verify(env, f.KernelPublicHex))
}
