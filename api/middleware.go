package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"
)

// maxBodySize bounds JSON request bodies. A CSR is at most 16 KiB.
const maxBodySize = 64 << 10

// requireToken rejects requests without the shared bearer token. Failures
// count toward the per-IP lockout.
func (b *boundary) requireToken(token string) func(http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := b.clientIP(r)
			if blocked, retryAfter := b.limiter.check(ip); blocked {
				b.audit.logFailure(AuditRateLimited, r, "locked out", ip)
				writeRateLimited(w, retryAfter)
				return
			}
			got := sha256.Sum256([]byte(bearerToken(r)))
			if token == "" || subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				b.limiter.recordFailure(ip)
				b.audit.logFailure(AuditAuthFailure, r, "invalid service token", ip)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withTimeout bounds the handler's context.
func withTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// pskFromRequest reads a PSK from the Authorization header, the "psk"
// query parameter or the "psk" form field, in that order.
func pskFromRequest(r *http.Request) string {
	if s := bearerToken(r); s != "" {
		return s
	}
	if s := r.URL.Query().Get("psk"); s != "" {
		return s
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("psk")
	}
	return ""
}

// formValue reads name from the query string or, for POST, the form body.
func formValue(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue(name)
	}
	return ""
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
