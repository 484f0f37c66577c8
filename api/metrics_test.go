package api

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/fault"
	"github.com/jmcleod/ironca/pki"
)

type alertSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *alertSink) fn(e AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, e)
}

func (s *alertSink) get() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestAuthFailureSpikeAlert(t *testing.T) {
	sink := &alertSink{}
	a := NewAlerts(sink.fn)
	a.authFailures.threshold = 5

	for i := 0; i < 4; i++ {
		a.recordEvent(AuditAuthFailure)
	}
	assert.Empty(t, sink.get(), "no alert below threshold")

	a.recordEvent(AuditAuthzFailure)
	alerts := sink.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertAuthFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)

	// The window restarts after an alert.
	a.recordEvent(AuditAuthFailure)
	assert.Len(t, sink.get(), 1)
}

func TestAuthFailureWindowExpiry(t *testing.T) {
	sink := &alertSink{}
	a := NewAlerts(sink.fn)
	a.authFailures.threshold = 3
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	a.recordEvent(AuditAuthFailure)
	a.recordEvent(AuditAuthFailure)
	now = now.Add(defaultAuthFailureWindow + time.Second)
	a.recordEvent(AuditAuthFailure)
	assert.Empty(t, sink.get(), "old failures slid out of the window")
}

func TestPersistenceFailureAlertsImmediately(t *testing.T) {
	sink := &alertSink{}
	a := NewAlerts(sink.fn)

	a.AuditWriteFailed(t.Context(), errors.New("disk full"))
	alerts := sink.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPersistenceFailure, alerts[0].Type)

	a.IssueFailed(t.Context(), pki.TypeServer, fault.PersistenceFailure)
	assert.Len(t, sink.get(), 2)

	a.IssueFailed(t.Context(), pki.TypeServer, fault.SigningUnavailable)
	assert.Len(t, sink.get(), 2)
}

func TestPendingLogAlert(t *testing.T) {
	sink := &alertSink{}
	a := NewAlerts(sink.fn)
	a.pending.threshold = 2

	a.BundleIssued(t.Context(), pki.TypeServer, pki.LogStatusLogged)
	a.BundleIssued(t.Context(), pki.TypeServer, pki.LogStatusPending)
	assert.Empty(t, sink.get())
	a.BundleIssued(t.Context(), pki.TypeComputer, pki.LogStatusPending)
	alerts := sink.get()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLogPending, alerts[0].Type)
}

func TestNilAlertsIgnoreEvents(t *testing.T) {
	var a *Alerts
	a.recordEvent(AuditAuthFailure)
	NewAlerts(nil).recordEvent(AuditPersistenceFailed)
}

func TestTrimWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(30 * time.Second), base.Add(90 * time.Second)}
	got := trimWindow(times, base.Add(100*time.Second), time.Minute)
	assert.Equal(t, times[1:], got)
}
