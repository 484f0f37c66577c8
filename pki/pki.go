// Package pki is the signing authority: it validates certificate signing
// requests, issues leaf certificates from an intermediate CA whose key is
// only ever decrypted for the duration of a signature, records every
// issuance in the transparency log and builds CRLs from the log's revoked
// set.
package pki

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmcleod/ironca/internal/util"
	"github.com/jmcleod/ironca/key"
)

var (
	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrNotCA is returned when the configured certificate cannot sign.
	ErrNotCA = errors.New("certificate is not a CA")

	// ErrNoCRL is returned when no CRL has been generated yet.
	ErrNoCRL = errors.New("no CRL has been generated")
)

// CertificateInfo is the summary of an issued certificate that is logged
// and returned to API callers.
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Fingerprint  string    `json:"fingerprint_sha256"`
	KeyAlgorithm string    `json:"key_algorithm"`
}

// Describe summarizes cert.
func Describe(cert *x509.Certificate) CertificateInfo {
	return CertificateInfo{
		Subject:      subjectString(cert.Subject),
		Issuer:       subjectString(cert.Issuer),
		SerialNumber: SerialHex(cert.SerialNumber),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		Fingerprint:  Fingerprint(cert),
		KeyAlgorithm: keyAlgorithmString(cert),
	}
}

// Fingerprint is the hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// SerialHex renders a serial number as lowercase hex.
func SerialHex(n *big.Int) string {
	return hex.EncodeToString(n.Bytes())
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA %d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

// EncodeCertPEM wraps DER in a CERTIFICATE block.
func EncodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// ParseCertificatesPEM decodes every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrInvalidPEM
	}
	return certs, nil
}

// subjectKeyID is the SHA-1 of the subjectPublicKey bit string (RFC 5280
// section 4.2.1.2, method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

// ---------------------------------------------------------------------------
// CA
// ---------------------------------------------------------------------------

// CA is the issuing certificate authority: its certificate, the chain up to
// the root, and access to its key.
type CA struct {
	Certificate *x509.Certificate
	// Chain runs from the issuing certificate up to and including the root.
	Chain []*x509.Certificate
	Keys  KeyStore
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

// NewCA checks that cert can sign and pairs with keys.
func NewCA(cert *x509.Certificate, chain []*x509.Certificate, keys KeyStore) (*CA, error) {
	if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return nil, ErrNotCA
	}
	pub, ok := cert.PublicKey.(publicKeyEqualer)
	if !ok || !pub.Equal(keys.Public()) {
		return nil, ErrKeyMismatch
	}
	if len(chain) == 0 || !chain[0].Equal(cert) {
		chain = append([]*x509.Certificate{cert}, chain...)
	}
	return &CA{Certificate: cert, Chain: chain, Keys: keys}, nil
}

// Family is the CA key family.
func (ca *CA) Family() key.Family {
	return ca.Keys.Family()
}

// ChainPEM returns the chain, issuing certificate first.
func (ca *CA) ChainPEM() []byte {
	var buf bytes.Buffer
	for _, c := range ca.Chain {
		buf.Write(EncodeCertPEM(c.Raw))
	}
	return buf.Bytes()
}

// LoadOptions locates the CA material on disk.
type LoadOptions struct {
	CertFile  string
	ChainFile string
	KeyFile   string
}

// LoadCA reads the CA certificate, optional chain and sealed key and checks
// that they belong together.
func LoadCA(ctx context.Context, mgr *key.Manager, opts LoadOptions, pass *key.Passphrase) (*CA, error) {
	certPEM, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	certs, err := ParseCertificatesPEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate: %w", err)
	}
	chain := certs
	if opts.ChainFile != "" {
		chainPEM, err := os.ReadFile(opts.ChainFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA chain: %w", err)
		}
		if chain, err = ParseCertificatesPEM(chainPEM); err != nil {
			return nil, fmt.Errorf("CA chain: %w", err)
		}
	}
	sealed, err := key.ReadSealedFile(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	ks, err := NewSealedKeyStore(ctx, mgr, sealed, pass)
	if err != nil {
		return nil, err
	}
	return NewCA(certs[0], chain, ks)
}

// InitRequest describes a new root and intermediate pair.
type InitRequest struct {
	RootSubject          pkix.Name
	IntermediateSubject  pkix.Name
	Family               key.Family
	RootValidity         time.Duration
	IntermediateValidity time.Duration
	// CRLDistributionPoints is embedded in the intermediate certificate.
	CRLDistributionPoints []string
	RootPassphrase        *key.Passphrase
	Passphrase            *key.Passphrase
	KDF                   util.Argon2idParams
	Rand                  io.Reader
	Now                   time.Time
}

// InitResult holds the new hierarchy. Keys are only present sealed.
type InitResult struct {
	Root            *x509.Certificate
	RootKey         *key.Sealed
	Intermediate    *x509.Certificate
	IntermediateKey *key.Sealed
}

// InitCA generates a self-signed root and an intermediate signed by it.
func InitCA(ctx context.Context, req InitRequest) (*InitResult, error) {
	if req.Rand == nil {
		req.Rand = rand.Reader
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if req.RootPassphrase == nil {
		req.RootPassphrase = req.Passphrase
	}
	if req.Passphrase == nil {
		return nil, key.ErrEmptyPassphrase
	}
	if req.RootValidity <= 0 || req.IntermediateValidity <= 0 || req.IntermediateValidity > req.RootValidity {
		return nil, errors.New("intermediate validity must be positive and within the root's")
	}
	sigAlg, err := SignatureAlgorithm(req.Family)
	if err != nil {
		return nil, err
	}
	now := req.Now.UTC().Truncate(time.Second)

	rootKey, err := generateKey(req.Family, req.Rand)
	if err != nil {
		return nil, err
	}
	defer key.WipePrivateKey(rootKey)
	rootSerial, err := randomSerial(req.Rand)
	if err != nil {
		return nil, err
	}
	rootTmpl := &x509.Certificate{
		SerialNumber:          rootSerial,
		Subject:               req.RootSubject,
		NotBefore:             now,
		NotAfter:              now.Add(req.RootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SignatureAlgorithm:    sigAlg,
	}
	rootDER, err := x509.CreateCertificate(req.Rand, rootTmpl, rootTmpl, rootKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	intKey, err := generateKey(req.Family, req.Rand)
	if err != nil {
		return nil, err
	}
	defer key.WipePrivateKey(intKey)
	intSerial, err := randomSerial(req.Rand)
	if err != nil {
		return nil, err
	}
	intTmpl := &x509.Certificate{
		SerialNumber:          intSerial,
		Subject:               req.IntermediateSubject,
		NotBefore:             now,
		NotAfter:              now.Add(req.IntermediateValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		CRLDistributionPoints: req.CRLDistributionPoints,
		SignatureAlgorithm:    sigAlg,
	}
	intDER, err := x509.CreateCertificate(req.Rand, intTmpl, root, intKey.Public(), rootKey)
	if err != nil {
		return nil, fmt.Errorf("creating intermediate certificate: %w", err)
	}
	intermediate, err := x509.ParseCertificate(intDER)
	if err != nil {
		return nil, err
	}

	rootSealed, err := key.Seal(rootKey, req.RootPassphrase, "root", req.KDF)
	if err != nil {
		return nil, fmt.Errorf("sealing root key: %w", err)
	}
	intSealed, err := key.Seal(intKey, req.Passphrase, "intermediate", req.KDF)
	if err != nil {
		return nil, fmt.Errorf("sealing intermediate key: %w", err)
	}
	return &InitResult{Root: root, RootKey: rootSealed, Intermediate: intermediate, IntermediateKey: intSealed}, nil
}

// File names written by InitResult.WriteFiles.
const (
	RootCertFile         = "root.crt"
	RootKeyFile          = "root.key"
	IntermediateCertFile = "intermediate.crt"
	IntermediateKeyFile  = "intermediate.key"
	ChainFile            = "chain.crt"
)

// WriteFiles writes the hierarchy into dir. Existing files are not replaced.
func (r *InitResult) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	for _, name := range []string{RootCertFile, RootKeyFile, IntermediateCertFile, IntermediateKeyFile, ChainFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return fmt.Errorf("%s already exists", filepath.Join(dir, name))
		}
	}
	chain := append(EncodeCertPEM(r.Intermediate.Raw), EncodeCertPEM(r.Root.Raw)...)
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{RootCertFile, EncodeCertPEM(r.Root.Raw), 0o644},
		{IntermediateCertFile, EncodeCertPEM(r.Intermediate.Raw), 0o644},
		{ChainFile, chain, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return err
		}
	}
	if err := r.RootKey.WriteFile(filepath.Join(dir, RootKeyFile)); err != nil {
		return err
	}
	return r.IntermediateKey.WriteFile(filepath.Join(dir, IntermediateKeyFile))
}

func generateKey(f key.Family, r io.Reader) (crypto.Signer, error) {
	switch f {
	case key.FamilyRSA:
		return rsa.GenerateKey(r, 3072)
	case key.FamilyECDSAP256:
		return ecdsa.GenerateKey(elliptic.P256(), r)
	case key.FamilyECDSAP384:
		return ecdsa.GenerateKey(elliptic.P384(), r)
	case key.FamilyECDSAP521:
		return ecdsa.GenerateKey(elliptic.P521(), r)
	case key.FamilyEd25519:
		_, priv, err := ed25519.GenerateKey(r)
		return priv, err
	case key.FamilyUnknown:
	}
	return nil, fmt.Errorf("%w: %s", key.ErrUnknownFamily, f)
}
