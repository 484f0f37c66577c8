package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAlert = AlertEvent{
	Type:      AlertAuthFailureSpike,
	Message:   "authentication failure rate exceeds threshold",
	Count:     50,
	Threshold: 50,
	Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received AlertEvent
		ctype    string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		ctype = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "")
	wh.Notify(testAlert)
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "application/json", ctype)
	assert.Equal(t, testAlert, received)
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "")
	wh.retryDelay = 10 * time.Millisecond
	wh.Notify(testAlert)
	wh.Close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "")
	wh.Notify(testAlert)
	wh.Close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_AuthHeader(t *testing.T) {
	var (
		mu      sync.Mutex
		gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "Authorization: Bearer my-token-123")
	wh.Notify(testAlert)
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := &AlertWebhook{
		url:    srv.URL,
		client: &http.Client{Timeout: 100 * time.Millisecond},
		events: make(chan AlertEvent, 2),
	}
	wh.wg.Add(1)
	go wh.loop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			wh.Notify(testAlert)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
}

func TestWebhook_CloseDrainsAndIsIdempotent(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "")
	for i := 0; i < 5; i++ {
		wh.Notify(testAlert)
	}
	wh.Close()
	wh.Close()

	assert.Equal(t, int32(5), count.Load(), "all queued alerts are delivered on close")
}

func TestWebhook_AsAlertFunc(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
	}))
	defer srv.Close()

	wh := NewAlertWebhook(srv.URL, "")
	alerts := NewAlerts(wh.Notify)
	alerts.AuditWriteFailed(t.Context(), nil)
	wh.Close()
	require.Equal(t, int32(1), count.Load())
}
