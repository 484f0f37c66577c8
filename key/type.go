// Package key manages asymmetric private keys at rest and in use: sealing
// under a passphrase, scoped decryption with guaranteed zeroing, and the
// closed set of key families the CA supports.
package key

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"errors"
	"fmt"
)

// Family identifies an asymmetric key algorithm and, for EC, its curve.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyRSA
	FamilyECDSAP256
	FamilyECDSAP384
	FamilyECDSAP521
	FamilyEd25519
)

// ErrUnknownFamily is returned when an unrecognized key family is encountered.
var ErrUnknownFamily = errors.New("unknown key family")

func (f Family) String() string {
	switch f {
	case FamilyRSA:
		return "rsa"
	case FamilyECDSAP256:
		return "ecdsa-p256"
	case FamilyECDSAP384:
		return "ecdsa-p384"
	case FamilyECDSAP521:
		return "ecdsa-p521"
	case FamilyEd25519:
		return "ed25519"
	default:
		return "unknown"
	}
}

func (f Family) MarshalText() ([]byte, error) {
	if f == FamilyUnknown {
		return nil, ErrUnknownFamily
	}
	return []byte(f.String()), nil
}

func (f *Family) UnmarshalText(b []byte) error {
	parsed, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFamily is the inverse of Family.String.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "rsa":
		return FamilyRSA, nil
	case "ecdsa-p256":
		return FamilyECDSAP256, nil
	case "ecdsa-p384":
		return FamilyECDSAP384, nil
	case "ecdsa-p521":
		return FamilyECDSAP521, nil
	case "ed25519":
		return FamilyEd25519, nil
	default:
		return FamilyUnknown, fmt.Errorf("%w: %q", ErrUnknownFamily, s)
	}
}

// FamilyOf classifies a public key.
func FamilyOf(pub crypto.PublicKey) (Family, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return FamilyRSA, nil
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return FamilyECDSAP256, nil
		case elliptic.P384():
			return FamilyECDSAP384, nil
		case elliptic.P521():
			return FamilyECDSAP521, nil
		}
		return FamilyUnknown, fmt.Errorf("%w: curve %s", ErrUnknownFamily, k.Curve.Params().Name)
	case ed25519.PublicKey:
		return FamilyEd25519, nil
	default:
		return FamilyUnknown, fmt.Errorf("%w: %T", ErrUnknownFamily, pub)
	}
}
