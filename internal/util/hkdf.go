package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const HKDFKeyLength = 32

func HKDF(seed []byte, salt []byte, info []byte) ([]byte, error) {
	return HKDFExpand(seed, salt, info, HKDFKeyLength)
}

// HKDFExpand derives n bytes of key material. n is capped by HKDF-SHA256 at
// 255 blocks of output.
func HKDFExpand(seed []byte, salt []byte, info []byte, n int) ([]byte, error) {
	if n <= 0 || n > 255*sha256.Size {
		return nil, fmt.Errorf("invalid HKDF output length %d", n)
	}
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, n)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
