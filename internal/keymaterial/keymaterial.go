// Package keymaterial provides the KeyMaterial value object and HKDF-based
// derivation the encryption stages consume, following a master-key/HKDF
// derivation pattern reshaped around a pipeline-scoped (not tenant-scoped)
// key.
package keymaterial

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"time"

	"github.com/FairForge/adapipe/internal/perrors"
	"golang.org/x/crypto/hkdf"
)

// KeyMaterial is an immutable bundle of key/salt bytes (no nonce) for one
// encryption stage instance, plus the algorithm it was minted for and its
// validity window.
type KeyMaterial struct {
	Algorithm string
	Key       []byte
	Salt      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

const minKeySize = 16
const minSaltSize = 16

// New validates and wraps raw key/salt bytes into a KeyMaterial.
func New(algorithm string, key, salt []byte, expiresAt *time.Time) (KeyMaterial, error) {
	if len(key) < minKeySize {
		return KeyMaterial{}, perrors.NewEncryption("key material for %q must be at least %d bytes, got %d", algorithm, minKeySize, len(key))
	}
	if len(salt) < minSaltSize {
		return KeyMaterial{}, perrors.NewEncryption("salt for %q must be at least %d bytes, got %d", algorithm, minSaltSize, len(salt))
	}
	return KeyMaterial{
		Algorithm: algorithm,
		Key:       append([]byte(nil), key...),
		Salt:      append([]byte(nil), salt...),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}, nil
}

// Generate mints fresh random key material sized for algorithm.
func Generate(algorithm string, keySize int) (KeyMaterial, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return KeyMaterial{}, perrors.NewEncryption("key generation for %q failed: %v", algorithm, err)
	}
	salt := make([]byte, minSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return KeyMaterial{}, perrors.NewEncryption("salt generation for %q failed: %v", algorithm, err)
	}
	return New(algorithm, key, salt, nil)
}

// Derive produces a keySize-byte subkey from parent material using HKDF
// with SHA-256, scoped by info (e.g. a pipeline id or chunk range).
func (m KeyMaterial) Derive(info string, keySize int) ([]byte, error) {
	reader := hkdf.New(sha256.New, m.Key, m.Salt, []byte(info))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, perrors.NewEncryption("hkdf derivation failed: %v", err)
	}
	return out, nil
}

// Expired reports whether this key material has passed its expiry, if it
// has one.
func (m KeyMaterial) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Zeroize overwrites the key and salt bytes in place. Callers that hold a
// KeyMaterial past its use should call this before letting it go out of
// scope.
func (m *KeyMaterial) Zeroize() {
	for i := range m.Key {
		m.Key[i] = 0
	}
	for i := range m.Salt {
		m.Salt[i] = 0
	}
}
