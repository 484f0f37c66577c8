package pki

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/ironca/key"
)

// CertificateType is the kind of leaf certificate being requested.
type CertificateType string

const (
	TypeServer   CertificateType = "server"
	TypeComputer CertificateType = "computer"
	TypeClient   CertificateType = "client"
)

var ErrUnknownCertificateType = errors.New("unknown certificate type")

// ParseCertificateType validates s as a CertificateType.
func ParseCertificateType(s string) (CertificateType, error) {
	switch t := CertificateType(s); t {
	case TypeServer, TypeComputer, TypeClient:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCertificateType, s)
}

// Profile is the server-side policy applied to a certificate type. The
// lifespan never comes from the request.
type Profile struct {
	Lifespan    time.Duration
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage
}

// Profiles maps every certificate type to its policy.
type Profiles map[CertificateType]Profile

const (
	DefaultServerLifespan = 365 * 24 * time.Hour
	DefaultClientLifespan = 365 * 24 * time.Hour
)

// DefaultProfiles returns the stock policies.
func DefaultProfiles() Profiles {
	return NewProfiles(DefaultServerLifespan, DefaultClientLifespan, DefaultClientLifespan)
}

// NewProfiles builds the stock key usages with the given lifespans.
func NewProfiles(server, computer, client time.Duration) Profiles {
	return Profiles{
		TypeServer: {
			Lifespan:    server,
			KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		},
		TypeComputer: {
			Lifespan:    computer,
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		},
		TypeClient: {
			Lifespan:    client,
			KeyUsage:    x509.KeyUsageDigitalSignature,
			ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		},
	}
}

// Lookup returns the profile for t.
func (p Profiles) Lookup(t CertificateType) (Profile, error) {
	prof, ok := p[t]
	if !ok || prof.Lifespan <= 0 {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownCertificateType, t)
	}
	return prof, nil
}

// SignatureAlgorithm picks the signature algorithm from the CA key family.
// Ed25519 signs the message directly; every other family uses a digest of
// at least 256 bits.
func SignatureAlgorithm(f key.Family) (x509.SignatureAlgorithm, error) {
	switch f {
	case key.FamilyRSA:
		return x509.SHA256WithRSA, nil
	case key.FamilyECDSAP256:
		return x509.ECDSAWithSHA256, nil
	case key.FamilyECDSAP384:
		return x509.ECDSAWithSHA384, nil
	case key.FamilyECDSAP521:
		return x509.ECDSAWithSHA512, nil
	case key.FamilyEd25519:
		return x509.PureEd25519, nil
	case key.FamilyUnknown:
		return x509.UnknownSignatureAlgorithm, key.ErrUnknownFamily
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %d", key.ErrUnknownFamily, int(f))
}
