package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/pki"
)

const (
	signTimeout  = 10 * time.Second
	adminTimeout = 30 * time.Second
	// chainMaxAge lets frontends cache the chain through their HTTP cache.
	chainMaxAge = 5 * time.Minute
)

// RevokeRequest is the body of POST /revoke.
type RevokeRequest struct {
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
	RevokedBy   string `json:"revoked_by"`
}

// RevokeResponse reports the log record after revocation.
type RevokeResponse struct {
	Fingerprint  string    `json:"fingerprint"`
	SerialNumber string    `json:"serial_number"`
	Reason       string    `json:"reason"`
	RevokedBy    string    `json:"revoked_by,omitempty"`
	RevokedAt    time.Time `json:"revoked_at"`
}

// CRLResponse describes a generated CRL.
type CRLResponse struct {
	Number     int64     `json:"number"`
	ThisUpdate time.Time `json:"this_update"`
	NextUpdate time.Time `json:"next_update"`
	Entries    int       `json:"entries"`
}

// SigningAPI serves the signing authority.
type SigningAPI struct {
	*boundary
	authority *pki.Authority
	token     string
}

// NewSigningAPI returns the signing service. token authenticates callers.
func NewSigningAPI(authority *pki.Authority, token string, opts ...Option) *SigningAPI {
	return &SigningAPI{boundary: newBoundary(opts), authority: authority, token: token}
}

// Router returns the routes relative to /api/v1.
func (a *SigningAPI) Router() chi.Router {
	r := chi.NewRouter()
	mountDocs(r)

	r.Get("/ca/chain", a.Chain)
	r.Get("/crl.pem", a.LatestCRL)

	r.Group(func(r chi.Router) {
		r.Use(a.requireToken(a.token))
		r.With(withTimeout(signTimeout)).Post("/sign", a.Sign)
		r.With(withTimeout(adminTimeout)).Post("/revoke", a.Revoke)
		r.With(withTimeout(adminTimeout)).Post("/crl", a.GenerateCRL)
	})
	return r
}

// Sign handles POST /sign.
func (a *SigningAPI) Sign(w http.ResponseWriter, r *http.Request) {
	ip := a.clientIP(r)
	var body issuance.SignRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	certType, err := pki.ParseCertificateType(body.CertificateType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	clientIP := body.ClientIP
	if clientIP == "" {
		clientIP = ip
	}

	res, err := a.authority.Sign(r.Context(), pki.SignRequest{
		CSRPEM:      []byte(body.CSR),
		Type:        certType,
		RequesterID: body.UserID,
		ClientIP:    clientIP,
		Metadata:    body.RequestMetadata,
	})
	if err != nil {
		a.audit.logFailure(AuditSignFailed, r, fault.KindOf(err).String(), ip,
			slog.String("certificate_type", string(certType)),
			slog.String("error", err.Error()),
		)
		writeFault(w, err)
		return
	}

	a.audit.log(AuditCSRSigned, r, ip,
		slog.String("certificate_type", string(certType)),
		slog.String("subject", res.Info.Subject),
		slog.String("serial", res.Info.SerialNumber),
		slog.String("fingerprint", res.Info.Fingerprint),
		slog.String("log_status", string(res.LogStatus)),
	)
	if res.LogStatus == pki.LogStatusPending {
		a.audit.log(AuditLogPending, r, ip, slog.String("fingerprint", res.Info.Fingerprint))
	}

	writeJSON(w, http.StatusOK, issuance.SignResponseBody{
		Certificate:  string(res.CertificatePEM),
		Fingerprint:  res.Info.Fingerprint,
		SerialNumber: res.Info.SerialNumber,
		LogStatus:    res.LogStatus,
	})
}

// Revoke handles POST /revoke.
func (a *SigningAPI) Revoke(w http.ResponseWriter, r *http.Request) {
	ip := a.clientIP(r)
	var body RevokeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	rec, err := a.authority.Revoke(r.Context(), body.Fingerprint, body.Reason, body.RevokedBy)
	if err != nil {
		a.audit.logFailure(AuditCertRevoked, r, fault.KindOf(err).String(), ip,
			slog.String("fingerprint", body.Fingerprint),
			slog.String("error", err.Error()),
		)
		writeFault(w, err)
		return
	}

	a.audit.log(AuditCertRevoked, r, ip,
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("serial", rec.SerialNumber),
		slog.String("reason", rec.RevocationReason),
		slog.String("revoked_by", rec.RevokedBy),
	)
	resp := RevokeResponse{
		Fingerprint:  rec.Fingerprint,
		SerialNumber: rec.SerialNumber,
		Reason:       rec.RevocationReason,
		RevokedBy:    rec.RevokedBy,
	}
	if rec.RevokedAt != nil {
		resp.RevokedAt = *rec.RevokedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// GenerateCRL handles POST /crl.
func (a *SigningAPI) GenerateCRL(w http.ResponseWriter, r *http.Request) {
	ip := a.clientIP(r)
	info, err := a.authority.GenerateCRL(r.Context())
	if err != nil {
		a.audit.logFailure(AuditCRLGenerated, r, fault.KindOf(err).String(), ip, slog.String("error", err.Error()))
		writeFault(w, err)
		return
	}
	a.audit.log(AuditCRLGenerated, r, ip,
		slog.Int64("number", info.Number),
		slog.Int("entries", info.Entries),
	)
	writeJSON(w, http.StatusOK, CRLResponse{
		Number:     info.Number,
		ThisUpdate: info.ThisUpdate,
		NextUpdate: info.NextUpdate,
		Entries:    info.Entries,
	})
}

// LatestCRL handles GET /crl.pem.
func (a *SigningAPI) LatestCRL(w http.ResponseWriter, r *http.Request) {
	info, err := a.authority.LatestCRL(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("X-CRL-Number", strconv.FormatInt(info.Number, 10))
	w.Header().Set("Last-Modified", info.ThisUpdate.UTC().Format(http.TimeFormat))
	w.Write(info.PEM)
}

// Chain handles GET /ca/chain.
func (a *SigningAPI) Chain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(chainMaxAge.Seconds())))
	w.Write(a.authority.CA().ChainPEM())
}

// decodeJSON reads a bounded JSON body, rejecting unknown fields and
// trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON body")
	}
	return nil
}
