package kernelcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// keystoreFile is the on-disk encrypted representation of the kernel's
// signing key: scrypt-derived key material wrapping an AES-GCM ciphertext,
// mirroring the donor's encrypted-keystore-file idiom but scoped to the
// kernel's Ed25519 private key bytes instead of an ECDSA key.
type keystoreFile struct {
	Version    int    `json:"version"`
	PublicHex  string `json:"public_hex"`
	CipherHex  string `json:"cipher_hex"`
	NonceHex   string `json:"nonce_hex"`
	SaltHex    string `json:"salt_hex"`
	ScryptN    int    `json:"scrypt_n"`
	ScryptR    int    `json:"scrypt_r"`
	ScryptP    int    `json:"scrypt_p"`
	ScryptKLen int    `json:"scrypt_klen"`
}

const (
	defaultScryptN    = 1 << 18
	defaultScryptR    = 8
	defaultScryptP    = 1
	defaultScryptKLen = 32
)

// SaveToKeystore writes keypair to an encrypted keystore file at path,
// deriving the wrapping key from passphrase via scrypt. If the parent
// directory does not exist it is created with 0700 permissions.
func SaveToKeystore(path string, keypair KeyPair, passphrase string) error {
	if path == "" {
		return errors.New("kernelcrypto: empty keystore path")
	}
	privBytes, err := hex.DecodeString(keypair.PrivateHex)
	if err != nil {
		return fmt.Errorf("kernelcrypto: decode private key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("kernelcrypto: generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt, defaultScryptN, defaultScryptR, defaultScryptP, defaultScryptKLen)
	if err != nil {
		return fmt.Errorf("kernelcrypto: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("kernelcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("kernelcrypto: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("kernelcrypto: generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, privBytes, nil)

	out := keystoreFile{
		Version:    1,
		PublicHex:  keypair.PublicHex,
		CipherHex:  hex.EncodeToString(ciphertext),
		NonceHex:   hex.EncodeToString(nonce),
		SaltHex:    hex.EncodeToString(salt),
		ScryptN:    defaultScryptN,
		ScryptR:    defaultScryptR,
		ScryptP:    defaultScryptP,
		ScryptKLen: defaultScryptKLen,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("kernelcrypto: marshal keystore: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "keystore-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts an encrypted keystore file using passphrase.
func LoadFromKeystore(path, passphrase string) (KeyPair, error) {
	if path == "" {
		return KeyPair{}, errors.New("kernelcrypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, err
	}
	var ks keystoreFile
	if err := json.Unmarshal(raw, &ks); err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: parse keystore: %w", err)
	}
	salt, err := hex.DecodeString(ks.SaltHex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: decode salt: %w", err)
	}
	nonce, err := hex.DecodeString(ks.NonceHex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: decode nonce: %w", err)
	}
	ciphertext, err := hex.DecodeString(ks.CipherHex)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: decode ciphertext: %w", err)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, ks.ScryptN, ks.ScryptR, ks.ScryptP, ks.ScryptKLen)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: new gcm: %w", err)
	}
	privBytes, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("kernelcrypto: decrypt keystore (wrong passphrase?): %w", err)
	}
	return KeyPair{PrivateHex: hex.EncodeToString(privBytes), PublicHex: ks.PublicHex}, nil
}
