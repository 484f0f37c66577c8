package pki

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// MaxCSRSize bounds the PEM accepted by ParseCSR.
const MaxCSRSize = 16 << 10

// ErrMalformedCSR covers every way a CSR can fail validation.
var ErrMalformedCSR = errors.New("malformed certificate signing request")

// ParseCSR decodes and validates a PEM certificate request: size, block
// type, structure, proof of possession and a non-empty common name.
// maxSize <= 0 means MaxCSRSize.
func ParseCSR(data []byte, maxSize int) (*x509.CertificateRequest, error) {
	if maxSize <= 0 {
		maxSize = MaxCSRSize
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedCSR)
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedCSR, len(data), maxSize)
	}
	block, rest := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrMalformedCSR)
	}
	if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrMalformedCSR, block.Type)
	}
	if len(strings.TrimSpace(string(rest))) != 0 {
		return nil, fmt.Errorf("%w: trailing data after PEM block", ErrMalformedCSR)
	}
	req, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCSR, err)
	}
	if err := req.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedCSR, err)
	}
	if strings.TrimSpace(req.Subject.CommonName) == "" {
		return nil, fmt.Errorf("%w: missing common name", ErrMalformedCSR)
	}
	return req, nil
}
