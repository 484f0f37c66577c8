package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// GCMKeySize is the AES-256 key length used for every sealed payload.
const GCMKeySize = 32

var ErrGCMOpen = errors.New("gcm: message authentication failed")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != GCMKeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(key), GCMKeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// SealGCM encrypts plaintext under key and returns nonce||ciphertext. aad is
// authenticated but not stored.
func SealGCM(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenGCM reverses SealGCM. Any tampering, including a different aad,
// yields ErrGCMOpen.
func OpenGCM(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	n := gcm.NonceSize()
	if len(sealed) < n+gcm.Overhead() {
		return nil, ErrGCMOpen
	}
	plain, err := gcm.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrGCMOpen
	}
	return plain, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}
