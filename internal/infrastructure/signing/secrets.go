package signing

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PasswordCipher seals tenant credential passwords for storage at rest.
// Passwords are kept encrypted in the tenants table and opened just-in-time
// here in the signing layer; the plaintext exists only for the duration of
// a credential load. XChaCha20-Poly1305 under a single application key,
// ciphertext stored as base64(nonce || sealed).
type PasswordCipher struct {
	aead cipher.AEAD
}

// PasswordKeySize is the required application key length in bytes.
const PasswordKeySize = chacha20poly1305.KeySize

// NewPasswordCipher creates the cipher from the application key.
func NewPasswordCipher(key []byte) (*PasswordCipher, error) {
	if len(key) != PasswordKeySize {
		return nil, fmt.Errorf("credential key must be %d bytes, got %d", PasswordKeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create credential cipher: %w", err)
	}
	return &PasswordCipher{aead: aead}, nil
}

// Seal encrypts a plaintext password for storage. Used at tenant onboarding;
// nothing downstream ever stores the plaintext.
func (c *PasswordCipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored password.
func (c *PasswordCipher) Open(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode stored password: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("stored password too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open stored password: %w", err)
	}
	return string(plain), nil
}
