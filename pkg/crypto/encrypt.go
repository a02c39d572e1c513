// Package crypto encrypts broker auth material (refresh tokens) at rest,
// using ChaCha20-Poly1305 instead of the teacher's AES-256-GCM — see
// DESIGN.md for why the cipher was swapped instead of kept.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKeyLength   = errors.New("encryption key must be exactly 32 bytes for ChaCha20-Poly1305")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrDecryptionFailed   = errors.New("decryption failed: authentication error")
)

// Encrypt encrypts plaintext with ChaCha20-Poly1305 and returns a
// base64-encoded nonce||ciphertext string suitable for storing in
// accounts.auth_material_encrypted.
func Encrypt(plaintext string, key []byte) (string, error) {
	if len(key) != chacha20poly1305.KeySize {
		return "", ErrInvalidKeyLength
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func Decrypt(ciphertextBase64 string, key []byte) (string, error) {
	if len(key) != chacha20poly1305.KeySize {
		return "", ErrInvalidKeyLength
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrCiphertextTooShort
	}
	nonce, data := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ValidateKey checks a key is the right length before it's used, so a
// misconfigured deployment fails at startup rather than on first write.
func ValidateKey(key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return ErrInvalidKeyLength
	}
	return nil
}

// GenerateKeyString returns a fresh key as a string, for writing into a
// .env file.
func GenerateKeyString() (string, error) {
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	return string(key), nil
}

// EncryptWithKeyString/DecryptWithKeyString accept the key as a string,
// for callers that load it from configuration as text.
func EncryptWithKeyString(plaintext, keyString string) (string, error) {
	return Encrypt(plaintext, []byte(keyString))
}

func DecryptWithKeyString(ciphertextBase64, keyString string) (string, error) {
	return Decrypt(ciphertextBase64, []byte(keyString))
}
