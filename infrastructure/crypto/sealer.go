// Package crypto seals secret material at rest for the engine's
// fixture secret store: each named secret (a nonce version, the
// anonymiser salt) is encrypted under a key derived from a master key
// and the secret's own name, so a blob copied out of one entry cannot
// be replayed into another.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// sealVersionPrefix tags every sealed blob with the construction that
// produced it, so a future scheme change can coexist with stored blobs.
const sealVersionPrefix = "otsv1:"

// sealLabel binds every derived key and AAD to this engine's secret
// store; a blob sealed by some other consumer of the same master key
// never opens here.
const sealLabel = "oracle-trust-engine/secrets"

// Sealer encrypts and decrypts named secrets under a single 32-byte
// master key. It is safe for concurrent use; it holds no mutable state.
type Sealer struct {
	masterKey []byte
}

// NewSealer validates the master key length and returns a Sealer over
// its own copy of the key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("crypto: master key must be 32 bytes, got %d", len(masterKey))
	}
	return &Sealer{masterKey: append([]byte(nil), masterKey...)}, nil
}

// deriveKey derives the per-name AES key: HMAC-SHA256(masterKey,
// sealLabel || 0 || name). Two names never share a key, so swapping two
// stored blobs yields an authentication failure, not a wrong secret.
func (s *Sealer) deriveKey(name string) []byte {
	mac := hmac.New(sha256.New, s.masterKey)
	_, _ = mac.Write([]byte(sealLabel))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(name))
	return mac.Sum(nil)
}

// aad is the additional authenticated data bound into every seal: the
// label and the name, so even a key collision cannot move a blob
// between entries.
func aad(name string) []byte {
	buf := make([]byte, 0, len(sealLabel)+1+len(name))
	buf = append(buf, sealLabel...)
	buf = append(buf, 0)
	buf = append(buf, name...)
	return buf
}

// Seal encrypts plaintext for the named secret. The output is
// ASCII-safe: sealVersionPrefix + base64url(nonce | ciphertext). An
// empty plaintext seals to nil.
func (s *Sealer) Seal(name string, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}

	aead, err := s.aeadFor(name)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, aad(name))
	encoded := base64.RawURLEncoding.EncodeToString(sealed)
	return []byte(sealVersionPrefix + encoded), nil
}

// Open decrypts a blob previously produced by Seal for the same name.
func (s *Sealer) Open(name string, sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return nil, nil
	}

	encoded := strings.TrimSpace(string(sealed))
	encoded = strings.TrimPrefix(encoded, sealVersionPrefix)
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode sealed blob: %w", err)
	}

	aead, err := s.aeadFor(name)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("crypto: sealed blob too short")
	}

	nonce := raw[:aead.NonceSize()]
	body := raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad(name))
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aeadFor(name string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.deriveKey(name))
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return aead, nil
}
