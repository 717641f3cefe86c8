// Package vault encrypts and decrypts the secrets an Account or Credential
// stores at rest: OAuth access tokens, refresh tokens, and client secrets.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher encrypts and decrypts opaque secret strings with a single
// long-lived key. It has no knowledge of accounts or credentials; callers
// own that mapping.
type Cipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewCipher builds a Cipher from key material read from configuration. The
// key may be given as 32 raw bytes hex- or base64-encoded; anything else is
// rejected rather than silently truncated or padded.
func NewCipher(keyMaterial string) (*Cipher, error) {
	key, err := decodeKey(keyMaterial)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to construct cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("encryption key must decode to %d bytes (hex or base64)", chacha20poly1305.KeySize)
}

// Encrypt returns a base64-encoded nonce||ciphertext, safe to store as a
// single text column.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault: failed to decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("vault: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("vault: failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
