// Package csr generates subscriber key pairs and certificate signing requests.
// The private key stays in locked memory until it is bundled for the
// requester; only the CSR travels to the signing authority.
package csr

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/key"
)

// Algorithm names a key generation algorithm.
type Algorithm string

const (
	RSA     Algorithm = "rsa"
	ECDSA   Algorithm = "ecdsa"
	Ed25519 Algorithm = "ed25519"
)

const maxCommonNameLen = 64

var (
	ErrInvalidKeySpec    = errors.New("invalid key spec")
	ErrInvalidCommonName = errors.New("invalid common name")
)

// KeySpec selects the subscriber key algorithm.
type KeySpec struct {
	Algorithm Algorithm `mapstructure:"algorithm" yaml:"algorithm" validate:"required,oneof=rsa ecdsa ed25519"`
	RSABits   int       `mapstructure:"rsa_bits" yaml:"rsa_bits,omitempty"`
	Curve     string    `mapstructure:"curve" yaml:"curve,omitempty"`
}

// DefaultKeySpec is ECDSA P-256.
func DefaultKeySpec() KeySpec {
	return KeySpec{Algorithm: ECDSA, Curve: "P-256"}
}

// Validate checks the key type and size are ones the builder can generate.
func (s KeySpec) Validate() error {
	switch s.Algorithm {
	case RSA:
		if s.RSABits < 2048 || s.RSABits > 8192 || s.RSABits%1024 != 0 {
			return fmt.Errorf("%w: rsa bits must be a multiple of 1024 in [2048, 8192], got %d", ErrInvalidKeySpec, s.RSABits)
		}
	case ECDSA:
		if _, err := s.curve(); err != nil {
			return err
		}
	case Ed25519:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKeySpec, s.Algorithm)
	}
	return nil
}

func (s KeySpec) curve() (elliptic.Curve, error) {
	switch s.Curve {
	case "P-256", "":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported curve %q", ErrInvalidKeySpec, s.Curve)
	}
}

func (s KeySpec) generate(r io.Reader) (crypto.Signer, error) {
	switch s.Algorithm {
	case RSA:
		return rsa.GenerateKey(r, s.RSABits)
	case ECDSA:
		c, err := s.curve()
		if err != nil {
			return nil, err
		}
		return ecdsa.GenerateKey(c, r)
	case Ed25519:
		_, priv, err := ed25519.GenerateKey(r)
		return priv, err
	}
	return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKeySpec, s.Algorithm)
}

// EntropyChecker is satisfied by *entropy.Validator.
type EntropyChecker interface {
	Check(ctx context.Context) error
	WaitFor(ctx context.Context, max time.Duration) error
}

// Builder produces key pairs and CSRs.
type Builder struct {
	spec    KeySpec
	entropy EntropyChecker
	wait    time.Duration
	rand    io.Reader
}

// Option configures a Builder.
type Option func(*Builder)

// WithEntropyWait opts into waiting up to d for the entropy pool to fill
// instead of failing immediately.
func WithEntropyWait(d time.Duration) Option {
	return func(b *Builder) { b.wait = d }
}

// WithRand overrides crypto/rand.Reader.
func WithRand(r io.Reader) Option {
	return func(b *Builder) { b.rand = r }
}

// NewBuilder returns a Builder for spec, gated on checker.
func NewBuilder(spec KeySpec, checker EntropyChecker, opts ...Option) (*Builder, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if checker == nil {
		return nil, errors.New("entropy checker is required")
	}
	b := &Builder{spec: spec, entropy: checker, rand: rand.Reader}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Spec returns the builder's key spec.
func (b *Builder) Spec() KeySpec { return b.spec }

// Request is a freshly generated key pair and its CSR.
type Request struct {
	CommonName string
	CSRPEM     []byte
	PublicKey  crypto.PublicKey
	keyPEM     *memguard.LockedBuffer
}

// PrivateKeyPEM returns the PKCS#8 PEM of the private key. The slice points
// into locked memory and is invalid after Destroy.
func (r *Request) PrivateKeyPEM() []byte {
	if r == nil || r.keyPEM == nil {
		return nil
	}
	return r.keyPEM.Bytes()
}

// Destroy wipes the private key. It is safe to call more than once.
func (r *Request) Destroy() {
	if r != nil && r.keyPEM != nil {
		r.keyPEM.Destroy()
	}
}

// Build generates a key pair and a CSR whose subject carries only
// commonName. It fails with fault.LowEntropy when the pool is starved.
func (b *Builder) Build(ctx context.Context, commonName string) (*Request, error) {
	const op = "csr.build"
	if err := ValidateCommonName(commonName); err != nil {
		return nil, fault.E(op, fault.MalformedRequest, err)
	}

	var err error
	if b.wait > 0 {
		err = b.entropy.WaitFor(ctx, b.wait)
	} else {
		err = b.entropy.Check(ctx)
	}
	if err != nil {
		return nil, err
	}

	signer, err := b.spec.generate(b.rand)
	if err != nil {
		return nil, fault.E(op, fault.Internal, fmt.Errorf("generating %s key: %w", b.spec.Algorithm, err))
	}
	defer key.WipePrivateKey(signer)

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: commonName},
	}
	der, err := x509.CreateCertificateRequest(b.rand, tmpl, signer)
	if err != nil {
		return nil, fault.E(op, fault.Internal, fmt.Errorf("creating CSR: %w", err))
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(signer)
	if err != nil {
		return nil, fault.E(op, fault.Internal, fmt.Errorf("marshaling private key: %w", err))
	}
	defer util.WipeBytes(pkcs8)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})

	return &Request{
		CommonName: commonName,
		CSRPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}),
		PublicKey:  publicCopy(signer),
		// NewBufferFromBytes wipes keyPEM.
		keyPEM: memguard.NewBufferFromBytes(keyPEM),
	}, nil
}

// publicCopy detaches the public key from the private key struct that is
// about to be wiped.
func publicCopy(s crypto.Signer) crypto.PublicKey {
	switch pub := s.Public().(type) {
	case *ecdsa.PublicKey:
		cp := *pub
		return &cp
	case *rsa.PublicKey:
		cp := *pub
		return &cp
	default:
		return pub
	}
}

// ValidateCommonName rejects names that could smuggle extra RDNs or control
// characters into a subject.
func ValidateCommonName(cn string) error {
	if strings.TrimSpace(cn) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCommonName)
	}
	if len(cn) > maxCommonNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidCommonName, maxCommonNameLen)
	}
	for _, r := range cn {
		if !unicode.IsPrint(r) || strings.ContainsRune("/,=+<>;\"\\", r) {
			return fmt.Errorf("%w: disallowed character %q", ErrInvalidCommonName, r)
		}
	}
	return nil
}
