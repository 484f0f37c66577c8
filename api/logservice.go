package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironca/translog"
)

// EntriesResponse is a page of log records.
type EntriesResponse struct {
	Records []*translog.Record `json:"records"`
	PaginationMeta
}

// LogAPI serves the transparency log.
type LogAPI struct {
	*boundary
	log   *translog.Log
	token string
}

// NewLogAPI returns the log service. token authenticates callers.
func NewLogAPI(log *translog.Log, token string, opts ...Option) *LogAPI {
	return &LogAPI{boundary: newBoundary(opts), log: log, token: token}
}

// Router returns the routes relative to /api/v1.
func (a *LogAPI) Router() chi.Router {
	r := chi.NewRouter()
	mountDocs(r)

	r.Group(func(r chi.Router) {
		r.Use(a.requireToken(a.token))
		r.Use(withTimeout(adminTimeout))
		r.Post("/entries", a.Append)
		r.Get("/entries", a.Query)
		r.Get("/entries/{fingerprint}", a.Get)
		r.Post("/entries/{fingerprint}/revoke", a.MarkRevoked)
		r.Get("/verify", a.Verify)
	})
	return r
}

// Append handles POST /entries. A new record answers 201, a repeated
// fingerprint 200 with the original acknowledgement.
func (a *LogAPI) Append(w http.ResponseWriter, r *http.Request) {
	var e translog.Entry
	if err := decodeJSON(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	ack, err := a.log.Append(r.Context(), e)
	if err != nil {
		mapLogError(w, err)
		return
	}
	status := http.StatusCreated
	if ack.Duplicate {
		status = http.StatusOK
	} else {
		a.audit.log(AuditLogAppended, r, a.clientIP(r),
			slog.Uint64("id", ack.ID),
			slog.String("fingerprint", e.Fingerprint),
			slog.String("subject", e.Subject),
		)
	}
	writeJSON(w, status, ack)
}

// Query handles GET /entries.
func (a *LogAPI) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := parsePagination(r)
	revokedOnly, _ := strconv.ParseBool(q.Get("revoked"))

	page, err := a.log.Query(r.Context(), translog.Filter{
		Subject:     q.Get("subject"),
		Fingerprint: q.Get("fingerprint"),
		RevokedOnly: revokedOnly,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		mapLogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntriesResponse{
		Records:        page.Records,
		PaginationMeta: newPaginationMeta(page.Total, page.Limit, page.Offset, len(page.Records)),
	})
}

// Get handles GET /entries/{fingerprint}.
func (a *LogAPI) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := a.log.Get(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		mapLogError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// MarkRevoked handles POST /entries/{fingerprint}/revoke. Repeating it is
// a no-op that returns the record as first revoked.
func (a *LogAPI) MarkRevoked(w http.ResponseWriter, r *http.Request) {
	var rev translog.Revocation
	if err := decodeJSON(w, r, &rev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	fp := chi.URLParam(r, "fingerprint")
	rec, err := a.log.MarkRevoked(r.Context(), fp, rev)
	if err != nil {
		mapLogError(w, err)
		return
	}
	a.audit.log(AuditLogRevoked, r, a.clientIP(r),
		slog.String("fingerprint", fp),
		slog.String("reason", rec.RevocationReason),
		slog.String("revoked_by", rec.RevokedBy),
	)
	writeJSON(w, http.StatusOK, rec)
}

// Verify handles GET /verify.
func (a *LogAPI) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	v, err := a.log.Verify(ctx)
	if err != nil {
		mapLogError(w, err)
		return
	}
	a.logger.InfoContext(ctx, "log verified", "valid", v.Valid, "entries", v.Entries, "duration", time.Since(start))
	writeJSON(w, http.StatusOK, v)
}
