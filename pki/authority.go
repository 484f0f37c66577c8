package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/translog"
)

// LogClient is the part of the transparency log the authority needs. Both
// *translog.Log and *translog.Client satisfy it.
type LogClient interface {
	translog.Appender
	translog.Querier
	MarkRevoked(ctx context.Context, fingerprint string, rev translog.Revocation) (*translog.Record, error)
}

// State is the position of a signing request in its lifecycle.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateSigned
	StateLogged
	StateReturned
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateSigned:
		return "signed"
	case StateLogged:
		return "logged"
	case StateReturned:
		return "returned"
	default:
		return "failed"
	}
}

// LogStatus reports whether an issued certificate reached the log.
type LogStatus string

const (
	LogStatusLogged  LogStatus = "logged"
	LogStatusPending LogStatus = "pending"
)

// SignRequest is one certificate request. The validity window is decided
// by the profile for Type, never by the requester.
type SignRequest struct {
	CSRPEM      []byte
	Type        CertificateType
	RequesterID string
	ClientIP    string
	Metadata    map[string]string
}

// SignResult is an issued certificate. A LogStatus of pending means the
// certificate is valid but its log entry is queued for a later attempt;
// LogError carries the cause.
type SignResult struct {
	CertificatePEM []byte
	Certificate    *x509.Certificate
	Info           CertificateInfo
	Type           CertificateType
	LogStatus      LogStatus
	LogID          uint64
	LogError       error
	State          State
}

// Observer receives issuance events. Implementations must not block.
type Observer interface {
	Issued(ctx context.Context, t CertificateType, status LogStatus)
	SignFailed(ctx context.Context, kind fault.Kind)
	Revoked(ctx context.Context)
	CRLGenerated(ctx context.Context, number int64, entries int)
}

type nopObserver struct{}

func (nopObserver) Issued(context.Context, CertificateType, LogStatus) {}
func (nopObserver) SignFailed(context.Context, fault.Kind)             {}
func (nopObserver) Revoked(context.Context)                            {}
func (nopObserver) CRLGenerated(context.Context, int64, int)           {}

const (
	DefaultCRLValidity   = 7 * 24 * time.Hour
	DefaultLogTimeout    = 5 * time.Second
	DefaultCRLLogTimeout = 30 * time.Second
)

// Authority signs requests with the CA and records them in the log.
type Authority struct {
	ca          *CA
	profiles    Profiles
	serials     *SerialRegistry
	log         LogClient
	outbox      *translog.Outbox
	repo        storage.Repository
	now         func() time.Time
	rand        io.Reader
	logger      *slog.Logger
	observer    Observer
	crlValidity time.Duration
	logTimeout  time.Duration
}

// Option configures an Authority.
type Option func(*Authority)

func WithProfiles(p Profiles) Option { return func(a *Authority) { a.profiles = p } }

func WithClock(now func() time.Time) Option { return func(a *Authority) { a.now = now } }

func WithLogger(l *slog.Logger) Option { return func(a *Authority) { a.logger = l } }

func WithObserver(o Observer) Option { return func(a *Authority) { a.observer = o } }

// WithCRLValidity sets the gap between a CRL's thisUpdate and nextUpdate.
func WithCRLValidity(d time.Duration) Option { return func(a *Authority) { a.crlValidity = d } }

// WithLogTimeout bounds the post-signing log append.
func WithLogTimeout(d time.Duration) Option { return func(a *Authority) { a.logTimeout = d } }

// NewAuthority returns an Authority issuing from ca. Serial reservations,
// the log outbox and CRL state live in repo.
func NewAuthority(ca *CA, repo storage.Repository, log LogClient, opts ...Option) (*Authority, error) {
	if ca == nil || repo == nil || log == nil {
		return nil, errors.New("authority requires a CA, a repository and a log")
	}
	if _, err := SignatureAlgorithm(ca.Family()); err != nil {
		return nil, err
	}
	a := &Authority{
		ca:          ca,
		profiles:    DefaultProfiles(),
		serials:     NewSerialRegistry(repo),
		log:         log,
		outbox:      translog.NewOutbox(repo),
		repo:        repo,
		now:         time.Now,
		rand:        rand.Reader,
		logger:      slog.Default(),
		observer:    nopObserver{},
		crlValidity: DefaultCRLValidity,
		logTimeout:  DefaultLogTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.serials.now = a.now
	return a, nil
}

// CA returns the issuing CA.
func (a *Authority) CA() *CA { return a.ca }

// Outbox returns the queue of entries waiting to be logged.
func (a *Authority) Outbox() *translog.Outbox { return a.outbox }

// Sign validates req, issues the certificate and logs it. The CA key is not
// touched unless the request validates. A log failure does not fail the
// call; the result is marked pending and the entry is queued.
func (a *Authority) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	const op = "pki.sign"
	state := StateReceived
	fail := func(kind fault.Kind, err error) (*SignResult, error) {
		a.logger.Warn("certificate signing failed",
			slog.String("state", state.String()),
			slog.String("kind", kind.String()),
			slog.String("certificate_type", string(req.Type)),
			slog.String("error", err.Error()),
		)
		a.observer.SignFailed(ctx, kind)
		return nil, fault.E(op, kind, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(fault.SigningUnavailable, err)
	}
	profile, err := a.profiles.Lookup(req.Type)
	if err != nil {
		return fail(fault.MalformedRequest, err)
	}
	csr, err := ParseCSR(req.CSRPEM, MaxCSRSize)
	if err != nil {
		return fail(fault.MalformedRequest, err)
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return fail(fault.MalformedRequest, fmt.Errorf("%w: public key: %v", ErrMalformedCSR, err))
	}
	state = StateValidated

	sigAlg, err := SignatureAlgorithm(a.ca.Family())
	if err != nil {
		return fail(fault.Internal, err)
	}
	serial, err := a.serials.Reserve(ctx, csr.Subject.CommonName)
	if err != nil {
		return fail(fault.PersistenceFailure, err)
	}

	now := a.now().UTC().Truncate(time.Second)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: csr.Subject.CommonName},
		NotBefore:             now,
		NotAfter:              now.Add(profile.Lifespan),
		KeyUsage:              profile.KeyUsage,
		ExtKeyUsage:           profile.ExtKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		SignatureAlgorithm:    sigAlg,
	}
	if tmpl.NotAfter.After(a.ca.Certificate.NotAfter) {
		a.logger.Warn("certificate outlives issuing CA",
			slog.String("serial", SerialHex(serial)),
			slog.Time("not_after", tmpl.NotAfter),
			slog.Time("ca_not_after", a.ca.Certificate.NotAfter),
		)
	}

	var der []byte
	err = a.ca.Keys.WithSigner(ctx, func(signer crypto.Signer) error {
		var cerr error
		der, cerr = x509.CreateCertificate(a.rand, tmpl, a.ca.Certificate, csr.PublicKey, signer)
		return cerr
	})
	if err != nil {
		return fail(fault.SigningUnavailable, fmt.Errorf("signing certificate: %w", err))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fail(fault.Internal, err)
	}
	state = StateSigned

	res := &SignResult{
		CertificatePEM: EncodeCertPEM(der),
		Certificate:    cert,
		Info:           Describe(cert),
		Type:           req.Type,
		LogStatus:      LogStatusLogged,
	}
	entry := translog.Entry{
		Fingerprint:     res.Info.Fingerprint,
		SerialNumber:    res.Info.SerialNumber,
		Subject:         res.Info.Subject,
		Issuer:          res.Info.Issuer,
		NotBefore:       cert.NotBefore,
		NotAfter:        cert.NotAfter,
		CertificateType: string(req.Type),
		ClientIP:        req.ClientIP,
		RequesterID:     req.RequesterID,
		Metadata:        req.Metadata,
	}

	// The certificate exists now; logging proceeds even if the caller left.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.logTimeout)
	defer cancel()
	ack, err := a.log.Append(logCtx, entry)
	if err != nil {
		res.LogStatus = LogStatusPending
		res.LogError = fault.E(op, fault.LoggingUnavailable, err)
		a.logger.Error("issued certificate not logged, queued for retry",
			slog.String("fingerprint", entry.Fingerprint),
			slog.String("serial", entry.SerialNumber),
			slog.String("error", err.Error()),
		)
		if qerr := a.outbox.Enqueue(context.WithoutCancel(ctx), entry, err); qerr != nil {
			a.logger.Error("queueing unlogged certificate failed",
				slog.String("fingerprint", entry.Fingerprint),
				slog.String("error", qerr.Error()),
			)
		}
	} else {
		res.LogID = ack.ID
		state = StateLogged
	}

	a.logger.Info("certificate issued",
		slog.String("subject", res.Info.Subject),
		slog.String("serial", res.Info.SerialNumber),
		slog.String("fingerprint", res.Info.Fingerprint),
		slog.String("certificate_type", string(req.Type)),
		slog.String("log_status", string(res.LogStatus)),
		slog.String("state", state.String()),
	)
	a.observer.Issued(ctx, req.Type, res.LogStatus)
	res.State = StateReturned
	return res, nil
}

// Revoke records the revocation in the log. The log must be reachable;
// there is no deferred path for revocations. Revoking twice is a no-op and
// returns the original revocation.
func (a *Authority) Revoke(ctx context.Context, fingerprint, reason, revokedBy string) (*translog.Record, error) {
	const op = "pki.revoke"
	if b, err := hex.DecodeString(fingerprint); err != nil || len(b) != 32 {
		return nil, fault.E(op, fault.MalformedRequest, errors.New("fingerprint must be 64 hex characters"))
	}
	canonical, err := CanonicalReason(reason)
	if err != nil {
		return nil, fault.E(op, fault.MalformedRequest, err)
	}

	rec, err := a.log.MarkRevoked(ctx, fingerprint, translog.Revocation{Reason: canonical, RevokedBy: revokedBy})
	switch {
	case errors.Is(err, translog.ErrNotFound):
		return nil, fault.E(op, fault.NotFound, err)
	case errors.Is(err, translog.ErrInvalidEntry), errors.Is(err, translog.ErrRejected):
		return nil, fault.E(op, fault.MalformedRequest, err)
	case err != nil:
		return nil, fault.E(op, fault.LoggingUnavailable, err)
	}
	a.logger.Info("certificate revoked",
		slog.String("fingerprint", fingerprint),
		slog.String("reason", rec.RevocationReason),
		slog.String("revoked_by", rec.RevokedBy),
	)
	a.observer.Revoked(ctx)
	return rec, nil
}
