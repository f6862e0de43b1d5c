package kernelcrypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	hash := Hash([]byte("hello clearing kernel"))
	sig, err := Sign(hash, kp.PrivateHex)
	require.NoError(t, err)

	require.True(t, Verify(hash, sig, kp.PublicHex))
	require.False(t, Verify(hash, sig, kp.PublicHex[:len(kp.PublicHex)-2]+"00"))
}

func TestVerifyIsTotalOnMalformedInput(t *testing.T) {
	require.False(t, Verify("not-hex", "not-hex", "not-hex"))
	require.False(t, Verify("", "", ""))
}

func TestKeystoreRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "kernel.json")
	require.NoError(t, SaveToKeystore(path, kp, "correct horse battery staple"))

	loaded, err := LoadFromKeystore(path, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, kp.PrivateHex, loaded.PrivateHex)
	require.Equal(t, kp.PublicHex, loaded.PublicHex)

	_, err = LoadFromKeystore(path, "wrong passphrase")
	require.Error(t, err)
}
