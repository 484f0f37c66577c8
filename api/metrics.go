package api

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/pki"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike   AlertType = "auth_failure_spike"
	AlertPersistenceFailure AlertType = "persistence_failure"
	AlertLogPending         AlertType = "log_pending"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 50
	defaultPersistenceWindow    = 5 * time.Minute
	defaultPersistenceThreshold = 1
	defaultPendingWindow        = 10 * time.Minute
	defaultPendingThreshold     = 5
)

// slidingWindow counts events within span and fires once threshold is
// reached, then starts over.
type slidingWindow struct {
	times     []time.Time
	span      time.Duration
	threshold int
	alert     AlertType
	message   string
}

func (s *slidingWindow) add(now time.Time) (AlertEvent, bool) {
	s.times = trimWindow(append(s.times, now), now, s.span)
	if len(s.times) < s.threshold {
		return AlertEvent{}, false
	}
	evt := AlertEvent{
		Type:      s.alert,
		Message:   s.message,
		Count:     len(s.times),
		Threshold: s.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	s.times = s.times[:0]
	return evt, true
}

// Alerts tracks sliding-window counters for anomaly detection. It is fed
// by the audit logger and implements issuance.Observer, so audit-trail
// write failures inside the orchestrator raise a priority alert too.
type Alerts struct {
	mu  sync.Mutex
	now func() time.Time

	authFailures slidingWindow
	persistence  slidingWindow
	pending      slidingWindow

	alertFn AlertFunc
}

// NewAlerts returns a collector calling fn for every alert. A nil fn
// disables alerting.
func NewAlerts(fn AlertFunc) *Alerts {
	return &Alerts{
		now: time.Now,
		authFailures: slidingWindow{
			span: defaultAuthFailureWindow, threshold: defaultAuthFailureThreshold,
			alert: AlertAuthFailureSpike, message: "authentication failure rate exceeds threshold",
		},
		persistence: slidingWindow{
			span: defaultPersistenceWindow, threshold: defaultPersistenceThreshold,
			alert: AlertPersistenceFailure, message: "audit trail write failed",
		},
		pending: slidingWindow{
			span: defaultPendingWindow, threshold: defaultPendingThreshold,
			alert: AlertLogPending, message: "certificates issued without a transparency log entry",
		},
		alertFn: fn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (a *Alerts) recordEvent(event AuditEvent) {
	if a == nil || a.alertFn == nil {
		return
	}
	switch event {
	case AuditAuthFailure, AuditAuthzFailure:
		a.add(&a.authFailures)
	case AuditPersistenceFailed:
		a.add(&a.persistence)
	case AuditLogPending:
		a.add(&a.pending)
	}
}

func (a *Alerts) add(w *slidingWindow) {
	a.mu.Lock()
	evt, fire := w.add(a.now())
	a.mu.Unlock()
	if fire {
		a.alertFn(evt)
	}
}

// BundleIssued counts bundles whose certificate is not yet logged.
func (a *Alerts) BundleIssued(_ context.Context, _ pki.CertificateType, status pki.LogStatus) {
	if status == pki.LogStatusPending {
		a.recordEvent(AuditLogPending)
	}
}

// IssueFailed counts persistence failures.
func (a *Alerts) IssueFailed(_ context.Context, _ pki.CertificateType, kind fault.Kind) {
	if kind == fault.PersistenceFailure {
		a.recordEvent(AuditPersistenceFailed)
	}
}

// AuditWriteFailed raises a persistence alert.
func (a *Alerts) AuditWriteFailed(context.Context, error) {
	a.recordEvent(AuditPersistenceFailed)
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
