// Package vault seals and opens provider credentials at rest. A single
// process-wide AES-256-GCM key is loaded at startup through a KeySource and is
// never persisted alongside the data it protects.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/relaymeter/relaymeter-gateway/internal/gwerror"
)

// KeySize is the required master key length in bytes (AES-256).
const KeySize = 32

// Vault performs authenticated encryption of credential secrets. Pure CPU, no
// I/O; safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a raw 32-byte master key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tampered data or a rotated
// master key yields a gwerror.DecryptionError; callers must treat that as
// "credential unusable", not as a crash.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &gwerror.DecryptionError{Cause: err}
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return "", &gwerror.DecryptionError{Cause: errors.New("ciphertext too short")}
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", &gwerror.DecryptionError{Cause: err}
	}
	return string(plain), nil
}

// Mask returns the fixed-format redaction used everywhere a credential is
// displayed: at most the last four characters, preceded by an ellipsis.
func Mask(plaintext string) string {
	trimmed := strings.TrimSpace(plaintext)
	if len(trimmed) <= 4 {
		return "****"
	}
	return "..." + trimmed[len(trimmed)-4:]
}
