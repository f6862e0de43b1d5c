// Package kernelcrypto implements the kernel's Ed25519 signing primitives and
// BLAKE3 content hashing (spec C2). All public entry points are total: they
// return an error or a boolean rather than panicking on malformed input.
package kernelcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// KeyPair holds a generated Ed25519 key, hex-encoded for storage and wire
// transmission. Agent identity throughout the kernel is the hex public key.
type KeyPair struct {
	PrivateHex string
	PublicHex  string
}

// GenerateKeyPair produces a fresh Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: generate keypair: %w", err)
	}
	return KeyPair{
		PrivateHex: hex.EncodeToString(priv),
		PublicHex:  hex.EncodeToString(pub),
	}, nil
}

// Hash returns the lower-case hex BLAKE3-256 digest of b.
func Hash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Sign signs the raw bytes of a hex-encoded 32-byte hash with the hex-encoded
// Ed25519 private key, returning a hex-encoded signature. The hash is
// decoded from hex and signed as raw bytes, never as its hex text.
func Sign(messageHashHex, privateHex string) (string, error) {
	hashBytes, err := hex.DecodeString(messageHashHex)
	if err != nil {
		return "", fmt.Errorf("kernelcrypto: decode message hash: %w", err)
	}
	privBytes, err := hex.DecodeString(privateHex)
	if err != nil {
		return "", fmt.Errorf("kernelcrypto: decode private key: %w", err)
	}
	if len(privBytes) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("kernelcrypto: private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(privBytes))
	}
	sig := ed25519.Sign(ed25519.PrivateKey(privBytes), hashBytes)
	return hex.EncodeToString(sig), nil
}

// Verify checks a hex signature over a hex message hash against a hex public
// key. It is total: any malformed input yields false, never an error or a
// panic.
func Verify(messageHashHex, signatureHex, publicHex string) bool {
	hashBytes, err := hex.DecodeString(messageHashHex)
	if err != nil {
		return false
	}
	sigBytes, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	pubBytes, err := hex.DecodeString(publicHex)
	if err != nil {
		return false
	}
	if len(pubBytes) != ed25519.PublicKeySize || len(sigBytes) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubBytes), hashBytes, sigBytes)
}
