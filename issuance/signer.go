package issuance

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/pki"
)

// Signed is what a Signer returns for an accepted request.
type Signed struct {
	CertificatePEM []byte
	Certificate    *x509.Certificate
	Info           pki.CertificateInfo
	LogStatus      pki.LogStatus
}

// Signer turns a CSR into a certificate. Errors carry a fault kind.
type Signer interface {
	Sign(ctx context.Context, req pki.SignRequest) (*Signed, error)
}

// LocalSigner signs in-process with an Authority.
type LocalSigner struct {
	Authority *pki.Authority
}

func (s LocalSigner) Sign(ctx context.Context, req pki.SignRequest) (*Signed, error) {
	res, err := s.Authority.Sign(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Signed{
		CertificatePEM: res.CertificatePEM,
		Certificate:    res.Certificate,
		Info:           res.Info,
		LogStatus:      res.LogStatus,
	}, nil
}

// SignRequestBody is the JSON body of POST /api/v1/sign.
type SignRequestBody struct {
	CSR             string            `json:"csr"`
	CertificateType string            `json:"certificate_type"`
	UserID          string            `json:"user_id,omitempty"`
	ClientIP        string            `json:"client_ip,omitempty"`
	RequestMetadata map[string]string `json:"request_metadata,omitempty"`
}

// SignResponseBody is the JSON answer of POST /api/v1/sign.
type SignResponseBody struct {
	Certificate  string        `json:"certificate"`
	Fingerprint  string        `json:"fingerprint,omitempty"`
	SerialNumber string        `json:"serial_number,omitempty"`
	LogStatus    pki.LogStatus `json:"log_status,omitempty"`
}

const DefaultSignTimeout = 5 * time.Second

// HTTPSigner calls a remote signing service. Signing is not idempotent, so
// a failed call is never retried.
type HTTPSigner struct {
	endpoint string
	token    string
	client   *http.Client
	timeout  time.Duration
}

// NewHTTPSigner returns a signer for the service at baseURL.
func NewHTTPSigner(baseURL, token string, client *http.Client) (*HTTPSigner, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid signing service URL %q", baseURL)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSigner{endpoint: u.String() + "/api/v1/sign", token: token, client: client, timeout: DefaultSignTimeout}, nil
}

// WithTimeout returns a copy of s using d per call.
func (s *HTTPSigner) WithTimeout(d time.Duration) *HTTPSigner {
	c := *s
	c.timeout = d
	return &c
}

func (s *HTTPSigner) Sign(ctx context.Context, req pki.SignRequest) (*Signed, error) {
	const op = "issuance.http_sign"
	body, err := json.Marshal(SignRequestBody{
		CSR:             string(req.CSRPEM),
		CertificateType: string(req.Type),
		UserID:          req.RequesterID,
		ClientIP:        req.ClientIP,
		RequestMetadata: req.Metadata,
	})
	if err != nil {
		return nil, fault.E(op, fault.Internal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.E(op, fault.Internal, err)
	}
	hr.Header.Set("Content-Type", "application/json")
	hr.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(hr)
	if err != nil {
		return nil, fault.E(op, fault.SigningUnavailable, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.E(op, fault.SigningUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fault.E(op, fault.MalformedRequest, fmt.Errorf("signing service rejected request: %s", errorText(data)))
	default:
		return nil, fault.E(op, fault.SigningUnavailable, fmt.Errorf("signing service returned %d: %s", resp.StatusCode, errorText(data)))
	}

	var out SignResponseBody
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fault.E(op, fault.SigningUnavailable, fmt.Errorf("decoding signing response: %w", err))
	}
	certs, err := pki.ParseCertificatesPEM([]byte(out.Certificate))
	if err != nil {
		return nil, fault.E(op, fault.SigningUnavailable, fmt.Errorf("signing service returned no certificate: %w", err))
	}
	logStatus := out.LogStatus
	if logStatus == "" {
		logStatus = pki.LogStatusLogged
	}
	return &Signed{
		CertificatePEM: []byte(out.Certificate),
		Certificate:    certs[0],
		Info:           pki.Describe(certs[0]),
		LogStatus:      logStatus,
	}, nil
}

func errorText(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data[:min(len(data), 200)]))
}
