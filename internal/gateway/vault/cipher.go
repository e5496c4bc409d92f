// Package vault keeps credentials safe at rest: provider API keys are
// sealed with AES-256-GCM under a master key, and gateway-issued proxy keys
// are stored only as Argon2id hashes.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// MasterKeySize is the AES-256 key length
	MasterKeySize = 32
	// IVSize is the GCM nonce length
	IVSize = 12
	// TagSize is the GCM authentication tag length
	TagSize = 16
)

var (
	ErrNotFound             = errors.New("credential not found")
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")
	ErrInvalidKeyFormat     = errors.New("invalid key format")
	ErrKeyLimitReached      = errors.New("proxy key limit reached")
	ErrInvalidCredential    = errors.New("invalid proxy credential")
)

// Sealed is the stored form of an encrypted value. The three parts are
// persisted in separate columns.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Cipher seals and opens values under a fixed master key. It holds no
// per-call state and is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte master key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create block cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext []byte) (Sealed, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}

	out := c.aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - TagSize

	return Sealed{
		Ciphertext: out[:split:split],
		IV:         iv,
		Tag:        out[split:],
	}, nil
}

// Decrypt opens a sealed value. Any tampering, wrong key, or malformed
// input yields ErrAuthenticationFailed and no partial plaintext.
func (c *Cipher) Decrypt(s Sealed) ([]byte, error) {
	if len(s.IV) != IVSize || len(s.Tag) != TagSize {
		return nil, ErrAuthenticationFailed
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := c.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
