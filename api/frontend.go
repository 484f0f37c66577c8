package api

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/pki"
)

const bundleTimeout = 30 * time.Second

// Issuer is satisfied by *issuance.Orchestrator.
type Issuer interface {
	Issue(ctx context.Context, req issuance.IssueRequest) (*issuance.Bundle, error)
}

// FrontendAPI hands out certificate bundles to PSK holders.
type FrontendAPI struct {
	*boundary
	issuer Issuer
}

// NewFrontendAPI returns the bundle frontend.
func NewFrontendAPI(issuer Issuer, opts ...Option) *FrontendAPI {
	return &FrontendAPI{boundary: newBoundary(opts), issuer: issuer}
}

// Router returns the routes relative to /api/v1.
func (a *FrontendAPI) Router() chi.Router {
	r := chi.NewRouter()
	mountDocs(r)

	r.Group(func(r chi.Router) {
		r.Use(withTimeout(bundleTimeout))
		r.Get("/server/bundle", a.bundle(pki.TypeServer))
		r.Post("/server/bundle", a.bundle(pki.TypeServer))
		r.Get("/computer/bundle", a.bundle(pki.TypeComputer))
		r.Post("/computer/bundle", a.bundle(pki.TypeComputer))
	})
	return r
}

func (a *FrontendAPI) bundle(t pki.CertificateType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := a.clientIP(r)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			a.audit.logFailure(AuditRateLimited, r, "locked out", ip)
			writeRateLimited(w, retryAfter)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		secret := pskFromRequest(r)
		commonName := formValue(r, "common_name")
		b, err := a.issuer.Issue(r.Context(), issuance.IssueRequest{
			Secret:     secret,
			CommonName: commonName,
			Type:       t,
			ClientIP:   ip,
		})
		if err != nil {
			a.issueFailed(r, t, ip, commonName, err)
			writeFault(w, err)
			return
		}
		defer b.Destroy()
		a.limiter.recordSuccess(ip)

		a.audit.log(AuditBundleIssued, r, ip,
			slog.String("certificate_type", string(t)),
			slog.String("request_id", b.RequestID),
			slog.String("common_name", b.CommonName),
			slog.String("serial", b.Info.SerialNumber),
			slog.String("fingerprint", b.Info.Fingerprint),
			slog.String("log_status", string(b.LogStatus)),
		)

		w.Header().Set("Cache-Control", "no-store")
		if formValue(r, "format") == "json" {
			writeJSON(w, http.StatusOK, b)
			return
		}

		var buf bytes.Buffer
		if err := b.WriteZip(&buf); err != nil {
			a.logger.ErrorContext(r.Context(), "writing bundle archive", "request_id", b.RequestID, "error", err)
			writeError(w, http.StatusInternalServerError, fault.Internal.PublicMessage())
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": b.ZipFileName()}))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}

func (a *FrontendAPI) issueFailed(r *http.Request, t pki.CertificateType, ip, commonName string, err error) {
	kind := fault.KindOf(err)
	attrs := []slog.Attr{
		slog.String("certificate_type", string(t)),
		slog.String("common_name", commonName),
		slog.String("error", err.Error()),
	}
	switch kind {
	case fault.AuthenticationFailure:
		a.limiter.recordFailure(ip)
		a.audit.logFailure(AuditAuthFailure, r, kind.String(), ip, attrs...)
	case fault.AuthorizationFailure:
		a.limiter.recordFailure(ip)
		a.audit.logFailure(AuditAuthzFailure, r, kind.String(), ip, attrs...)
	default:
		a.audit.logFailure(AuditIssueFailed, r, kind.String(), ip, attrs...)
	}
}
