// Package api exposes the signing service, the transparency log service and
// the PSK-authenticated bundle frontend over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
)

//go:embed openapi.yaml
var openapiSpec []byte

// boundary is the state every router shares: audit logging, the failed
// authentication limiter and client IP resolution.
type boundary struct {
	logger         *slog.Logger
	audit          *auditLogger
	alerts         *Alerts
	limiter        *authLimiter
	trustedProxies []netip.Prefix
}

// Option configures a router.
type Option func(*boundary)

// WithLogger sets the structured logger for audit events. If not set, a
// JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(b *boundary) { b.logger = logger }
}

// WithTrustedProxies enables proxy headers for peers within prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(b *boundary) { b.trustedProxies = prefixes }
}

// WithAlerts feeds audit events into a.
func WithAlerts(a *Alerts) Option {
	return func(b *boundary) { b.alerts = a }
}

func newBoundary(opts []Option) *boundary {
	b := &boundary{limiter: newAuthLimiter()}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	b.audit = newAuditLogger(b.logger, b.alerts)
	return b
}

func (b *boundary) clientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, b.trustedProxies)
}

// SweepLimiter drops expired lockout records. Servers call it periodically.
func (b *boundary) SweepLimiter() { b.limiter.sweep() }

func mountDocs(r chi.Router) {
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))
}

// Handler mounts router under /api/v1 with the standard middleware and a
// /healthz probe.
func Handler(router chi.Router) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", router)
	return r
}
