package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditAuthFailure       AuditEvent = "auth_failure"
	AuditAuthzFailure      AuditEvent = "authz_failure"
	AuditRateLimited       AuditEvent = "rate_limited"
	AuditBundleIssued      AuditEvent = "bundle_issued"
	AuditIssueFailed       AuditEvent = "issue_failed"
	AuditCSRSigned         AuditEvent = "csr_signed"
	AuditSignFailed        AuditEvent = "sign_failed"
	AuditCertRevoked       AuditEvent = "cert_revoked"
	AuditCRLGenerated      AuditEvent = "crl_generated"
	AuditLogAppended       AuditEvent = "log_appended"
	AuditLogRevoked        AuditEvent = "log_revoked"
	AuditLogPending        AuditEvent = "log_pending"
	AuditPersistenceFailed AuditEvent = "persistence_failed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger *slog.Logger
	alerts *Alerts
}

func newAuditLogger(logger *slog.Logger, alerts *Alerts) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		alerts: alerts,
	}
}

// log writes a structured audit entry. Secrets never appear in attrs: PSKs
// are identified by ID and certificates by fingerprint.
func (al *auditLogger) log(event AuditEvent, r *http.Request, clientIP string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("client_ip", clientIP),
		slog.String("path", r.URL.Path),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", base...)
	al.alerts.recordEvent(event)
}

// logFailure logs a rejected request with its internal reason.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason, clientIP string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(event, r, clientIP, attrs...)
}
