package icrypto

import (
	"encoding/binary"
)

const (
	aadSealedKey = "SEALEDKEY"
	infoTunnel   = "TUNNELKEY"
	infoPSK      = "PSKHASH"
)

// AADSealedKey binds a sealed CA key ciphertext to its label and format version,
// so a ciphertext cannot be replayed under another key's PEM headers.
func AADSealedKey(label string, ver int) []byte {
	return buildAAD(aadSealedKey, label, ver)
}

// TunnelKeyInfo is the HKDF info string for per-issuance tunnel keys.
func TunnelKeyInfo(certType string, ver int) []byte {
	return buildAAD(infoTunnel, certType, ver)
}

// PSKHashInput prefixes a presented PSK secret with its lookup prefix before
// hashing, so a stored hash only verifies for the record it was created for.
func PSKHashInput(prefix string, secret []byte) []byte {
	return buildAAD(infoPSK, prefix, secret)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
