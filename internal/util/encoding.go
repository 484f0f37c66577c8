package util

import (
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/text/unicode/norm"
)

func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// NormalizeBytes is Normalize for secrets held outside the string heap.
func NormalizeBytes(b []byte) []byte {
	return norm.NFKD.Bytes(b)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

func Base58Encode(b []byte) string {
	return base58.Encode(b)
}

func Base58Decode(s string) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decoding base58: %w", err)
	}
	return b, nil
}
