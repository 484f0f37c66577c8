package translog_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/translog"
)

func newClient(t *testing.T, h http.Handler, opts ...translog.ClientOption) *translog.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]translog.ClientOption{translog.WithRetry(3, time.Millisecond)}, opts...)
	c, err := translog.NewClient(srv.URL, "log-token", opts...)
	require.NoError(t, err)
	return c
}

func TestClientAppendSendsBearerAndDecodesAck(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer log-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v1/entries", r.URL.Path)
		var e translog.Entry
		require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		assert.Equal(t, fingerprint("alpha"), e.Fingerprint)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(translog.Ack{ID: 7, Hash: "h"})
	}))

	ack, err := c.Append(t.Context(), entry("alpha"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), ack.ID)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(translog.Ack{ID: 1})
	}))

	_, err := c.Append(t.Context(), entry("alpha"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientGivesUpAsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Append(t.Context(), entry("alpha"))
	assert.ErrorIs(t, err, translog.ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"malformed request"}`))
	}))

	_, err := c.Append(t.Context(), entry("alpha"))
	assert.ErrorIs(t, err, translog.ErrRejected)
	assert.NotErrorIs(t, err, translog.ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientNotFound(t *testing.T) {
	c := newClient(t, http.NotFoundHandler())
	_, err := c.Get(t.Context(), fingerprint("nope"))
	assert.ErrorIs(t, err, translog.ErrNotFound)
}

func TestClientTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}), translog.WithTimeouts(50*time.Millisecond, 50*time.Millisecond))

	start := time.Now()
	_, err := c.Append(t.Context(), entry("alpha"))
	assert.ErrorIs(t, err, translog.ErrUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClientQueryEncodesFilter(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("revoked"))
		assert.Equal(t, "CN=alpha", q.Get("subject"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "100", q.Get("offset"))
		json.NewEncoder(w).Encode(translog.Page{Records: []*translog.Record{}, Total: 0, Limit: 50, Offset: 100})
	}))

	page, err := c.Query(t.Context(), translog.Filter{Subject: "CN=alpha", RevokedOnly: true, Limit: 50, Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, 50, page.Limit)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := translog.NewClient("ftp://log", "")
	assert.Error(t, err)
}
