// Package issuance composes PSK authentication, key generation, remote
// signing and bundle assembly into a single certificate request flow.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/ironca/csr"
	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/psk"
)

// Authenticator checks a presented PSK. *psk.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, secret string, want psk.Type) (*psk.PreSharedKey, error)
}

// UsageRecorder spends and refunds PSK uses. *psk.Store satisfies it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, id string, now time.Time) (*psk.PreSharedKey, error)
	ReleaseUsage(ctx context.Context, id string) error
}

// CSRBuilder generates a key pair and CSR. *csr.Builder satisfies it.
type CSRBuilder interface {
	Build(ctx context.Context, commonName string) (*csr.Request, error)
}

// Identity is a requester authenticated outside this package, used for
// client certificates.
type Identity struct {
	UserID string
}

// IssueRequest carries either a PSK secret (server and computer) or an
// Identity (client).
type IssueRequest struct {
	Secret     string
	Identity   *Identity
	CommonName string
	Type       pki.CertificateType
	ClientIP   string
}

// Observer receives orchestration events. Implementations must not block.
type Observer interface {
	BundleIssued(ctx context.Context, t pki.CertificateType, status pki.LogStatus)
	IssueFailed(ctx context.Context, t pki.CertificateType, kind fault.Kind)
	AuditWriteFailed(ctx context.Context, err error)
}

type nopObserver struct{}

func (nopObserver) BundleIssued(context.Context, pki.CertificateType, pki.LogStatus) {}
func (nopObserver) IssueFailed(context.Context, pki.CertificateType, fault.Kind)     {}
func (nopObserver) AuditWriteFailed(context.Context, error)                          {}

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	return m
}

type multiObserver []Observer

func (m multiObserver) BundleIssued(ctx context.Context, t pki.CertificateType, status pki.LogStatus) {
	for _, o := range m {
		o.BundleIssued(ctx, t, status)
	}
}

func (m multiObserver) IssueFailed(ctx context.Context, t pki.CertificateType, kind fault.Kind) {
	for _, o := range m {
		o.IssueFailed(ctx, t, kind)
	}
}

func (m multiObserver) AuditWriteFailed(ctx context.Context, err error) {
	for _, o := range m {
		o.AuditWriteFailed(ctx, err)
	}
}

// Config wires an Orchestrator.
type Config struct {
	Auth     Authenticator
	Usage    UsageRecorder
	Builder  CSRBuilder
	Signer   Signer
	Chain    ChainSource
	Tunnel   *TunnelKeyDeriver
	Requests *RequestStore

	// Enabled lists the certificate types this deployment serves.
	// Empty means all of them.
	Enabled     []pki.CertificateType
	SignTimeout time.Duration
	Clock       func() time.Time
	Logger      *slog.Logger
	Observer    Observer
}

// Orchestrator runs certificate requests end to end.
type Orchestrator struct {
	auth     Authenticator
	usage    UsageRecorder
	builder  CSRBuilder
	signer   Signer
	chain    ChainSource
	tunnel   *TunnelKeyDeriver
	requests *RequestStore

	enabled     map[pki.CertificateType]bool
	signTimeout time.Duration
	clock       func() time.Time
	logger      *slog.Logger
	observer    Observer
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Builder == nil:
		return nil, errors.New("issuance: CSR builder is required")
	case cfg.Signer == nil:
		return nil, errors.New("issuance: signer is required")
	case cfg.Chain == nil:
		return nil, errors.New("issuance: chain source is required")
	case cfg.Requests == nil:
		return nil, errors.New("issuance: request store is required")
	}

	enabled := make(map[pki.CertificateType]bool)
	types := cfg.Enabled
	if len(types) == 0 {
		types = []pki.CertificateType{pki.TypeServer, pki.TypeComputer, pki.TypeClient}
	}
	for _, t := range types {
		enabled[t] = true
	}
	if (enabled[pki.TypeServer] || enabled[pki.TypeComputer]) && (cfg.Auth == nil || cfg.Usage == nil) {
		return nil, errors.New("issuance: PSK authenticator and usage recorder are required for server and computer issuance")
	}
	if enabled[pki.TypeServer] && cfg.Tunnel == nil {
		return nil, errors.New("issuance: tunnel key deriver is required for server issuance")
	}

	o := &Orchestrator{
		auth:        cfg.Auth,
		usage:       cfg.Usage,
		builder:     cfg.Builder,
		signer:      cfg.Signer,
		chain:       cfg.Chain,
		tunnel:      cfg.Tunnel,
		requests:    cfg.Requests,
		enabled:     enabled,
		signTimeout: cfg.SignTimeout,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
	}
	if o.signTimeout <= 0 {
		o.signTimeout = DefaultSignTimeout
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	return o, nil
}

// Enabled reports whether t is served by this deployment.
func (o *Orchestrator) Enabled(t pki.CertificateType) bool {
	return o.enabled[t]
}

// Issue authenticates the caller and returns a complete bundle. The caller
// owns the bundle and must Destroy it.
//
// A PSK use is spent once authorized and refunded only when the request
// fails before the signing call. Once signing has been attempted the use
// stays spent and cancellation no longer stops bundle assembly.
func (o *Orchestrator) Issue(ctx context.Context, req IssueRequest) (*Bundle, error) {
	b, err := o.issue(ctx, req)
	if err != nil {
		o.observer.IssueFailed(ctx, req.Type, fault.KindOf(err))
		return nil, err
	}
	o.observer.BundleIssued(ctx, b.Type, b.LogStatus)
	return b, nil
}

func (o *Orchestrator) issue(ctx context.Context, req IssueRequest) (*Bundle, error) {
	const op = "issuance.issue"

	if _, err := pki.ParseCertificateType(string(req.Type)); err != nil {
		return nil, fault.E(op, fault.MalformedRequest, err)
	}

	audit := &CertificateAuditRequest{
		CertificateType: req.Type,
		CommonName:      req.CommonName,
		ClientIP:        req.ClientIP,
	}

	// Capability checks run in a fixed order: credential, then service mode.
	var keyID string
	switch req.Type {
	case pki.TypeClient:
		if req.Identity == nil || req.Identity.UserID == "" {
			return nil, fault.E(op, fault.AuthenticationFailure, errors.New("client certificates require an authenticated identity"))
		}
		audit.UserID = req.Identity.UserID
	default:
		if o.auth == nil {
			return nil, fault.E(op, fault.AuthorizationFailure, fmt.Errorf("%s issuance is disabled", req.Type))
		}
		k, err := o.auth.Authenticate(ctx, req.Secret, pskType(req.Type))
		if err != nil {
			return nil, err
		}
		keyID = k.ID
		audit.PSKID = k.ID
	}
	if !o.enabled[req.Type] {
		return nil, fault.E(op, fault.AuthorizationFailure, fmt.Errorf("%s issuance is disabled", req.Type))
	}

	if keyID != "" {
		if _, err := o.usage.RecordUsage(ctx, keyID, o.clock()); err != nil {
			return nil, usageFault(op, err)
		}
	}
	release := func() {
		if keyID == "" {
			return
		}
		if err := o.usage.ReleaseUsage(context.WithoutCancel(ctx), keyID); err != nil {
			o.logger.Error("releasing PSK use", "psk_id", keyID, "error", err)
		}
	}

	built, err := o.builder.Build(ctx, req.CommonName)
	if err != nil {
		release()
		return nil, err
	}
	defer built.Destroy()

	if err := ctx.Err(); err != nil {
		release()
		return nil, fault.E(op, fault.SigningUnavailable, err)
	}

	// From here on the request is committed: it outlives the caller.
	ctx = context.WithoutCancel(ctx)

	audit.CreatedAt = o.clock().UTC()
	auditOK := true
	if err := o.requests.Create(ctx, audit); err != nil {
		auditOK = false
		o.logger.Error("recording certificate request", "common_name", req.CommonName, "type", req.Type, "error", err)
		o.observer.AuditWriteFailed(ctx, err)
	}

	signCtx, cancel := context.WithTimeout(ctx, o.signTimeout)
	signed, err := o.signer.Sign(signCtx, pki.SignRequest{
		CSRPEM:      built.CSRPEM,
		Type:        req.Type,
		RequesterID: audit.UserID,
		ClientIP:    req.ClientIP,
		Metadata:    requestMetadata(audit),
	})
	cancel()
	if err != nil {
		if auditOK {
			if ferr := o.requests.Fail(ctx, audit.ID, o.clock(), err); ferr != nil {
				o.logger.Error("completing certificate request", "request_id", audit.ID, "error", ferr)
				o.observer.AuditWriteFailed(ctx, ferr)
			}
		}
		o.logger.Warn("signing failed", "request_id", audit.ID, "common_name", req.CommonName, "type", req.Type, "error", err)
		kind := fault.KindOf(err)
		if kind == fault.Internal {
			kind = fault.SigningUnavailable
		}
		return nil, fault.E(op, kind, err)
	}

	if auditOK {
		if err := o.requests.Succeed(ctx, audit.ID, o.clock(), signed.Info, signed.LogStatus); err != nil {
			o.logger.Error("completing certificate request", "request_id", audit.ID, "error", err)
			o.observer.AuditWriteFailed(ctx, err)
		}
	}

	chain, err := o.chain.Chain(ctx)
	if err != nil {
		return nil, fault.E(op, fault.SigningUnavailable, err)
	}

	bundle := &Bundle{
		RequestID:      audit.ID,
		Type:           req.Type,
		CommonName:     req.CommonName,
		CertificatePEM: signed.CertificatePEM,
		CAChainPEM:     chain,
		Info:           signed.Info,
		LogStatus:      signed.LogStatus,
		IssuedAt:       o.clock().UTC(),
		privateKey:     lockedCopy(built.PrivateKeyPEM()),
	}
	if req.Type == pki.TypeServer {
		salt := audit.ID
		if salt == "" {
			salt = signed.Info.Fingerprint
		}
		ta, err := o.tunnel.Derive(salt, string(req.Type))
		if err != nil {
			bundle.Destroy()
			return nil, fault.E(op, fault.Internal, err)
		}
		bundle.tunnelKey = memguard.NewBufferFromBytes(ta)
	}

	o.logger.Info("certificate issued",
		"request_id", audit.ID,
		"type", req.Type,
		"common_name", req.CommonName,
		"serial", signed.Info.SerialNumber,
		"fingerprint", signed.Info.Fingerprint,
		"log_status", signed.LogStatus,
	)
	return bundle, nil
}

func pskType(t pki.CertificateType) psk.Type {
	if t == pki.TypeServer {
		return psk.TypeServer
	}
	return psk.TypeComputer
}

func usageFault(op string, err error) error {
	switch {
	case errors.Is(err, psk.ErrRevoked), errors.Is(err, psk.ErrExpired), errors.Is(err, psk.ErrExhausted), errors.Is(err, psk.ErrNotFound):
		return fault.E(op, fault.AuthorizationFailure, err)
	default:
		return fault.E(op, fault.PersistenceFailure, err)
	}
}

func requestMetadata(r *CertificateAuditRequest) map[string]string {
	md := map[string]string{}
	if r.ID != "" {
		md["request_id"] = r.ID
	}
	if r.PSKID != "" {
		md["psk_id"] = r.PSKID
	}
	return md
}
