package translog_test

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/translog"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func entry(cn string) translog.Entry {
	return translog.Entry{
		Fingerprint:     fingerprint(cn),
		SerialNumber:    "0a1b2c" + hex.EncodeToString([]byte(cn)),
		Subject:         "CN=" + cn,
		Issuer:          "CN=ironca intermediate",
		NotBefore:       epoch,
		NotAfter:        epoch.Add(365 * 24 * time.Hour),
		CertificateType: "server",
		ClientIP:        "10.0.0.1",
		Metadata:        map[string]string{"request_id": cn},
	}
}

type storeFactory func(t *testing.T) translog.Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) translog.Store { return translog.NewMemoryStore() },
		"sqlite": func(t *testing.T) translog.Store {
			s, err := translog.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "log.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, l *translog.Log)) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			tick := epoch
			var mu sync.Mutex
			clock := func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				tick = tick.Add(time.Second)
				return tick
			}
			fn(t, translog.New(factory(t), translog.WithClock(clock)))
		})
	}
}

func TestAppendChainsRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *translog.Log) {
		a1, err := l.Append(t.Context(), entry("alpha"))
		require.NoError(t, err)
		a2, err := l.Append(t.Context(), entry("beta"))
		require.NoError(t, err)

		assert.Equal(t, uint64(1), a1.ID)
		assert.Equal(t, uint64(2), a2.ID)
		assert.False(t, a2.Duplicate)

		r1, err := l.Get(t.Context(), fingerprint("alpha"))
		require.NoError(t, err)
		r2, err := l.Get(t.Context(), fingerprint("beta"))
		require.NoError(t, err)
		assert.Equal(t, translog.GenesisHash, r1.PrevHash)
		assert.Equal(t, r1.Hash, r2.PrevHash)
		assert.Equal(t, a2.Hash, r2.Hash)
		assert.Equal(t, "alpha", r1.Metadata["request_id"])

		v, err := l.Verify(t.Context())
		require.NoError(t, err)
		assert.True(t, v.Valid, "%+v", v.Checks)
		assert.Equal(t, 2, v.Entries)
		assert.Equal(t, r2.Hash, v.Head)
	})
}

func TestAppendDuplicateIsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *translog.Log) {
		first, err := l.Append(t.Context(), entry("alpha"))
		require.NoError(t, err)
		again, err := l.Append(t.Context(), entry("alpha"))
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, first.Hash, again.Hash)

		page, err := l.Query(t.Context(), translog.Filter{})
		require.NoError(t, err)
		assert.Equal(t, 1, page.Total)
	})
}

func TestAppendRejectsInvalidEntry(t *testing.T) {
	l := translog.New(translog.NewMemoryStore())
	cases := map[string]func(e *translog.Entry){
		"short fingerprint": func(e *translog.Entry) { e.Fingerprint = "abc" },
		"no serial":         func(e *translog.Entry) { e.SerialNumber = "" },
		"no subject":        func(e *translog.Entry) { e.Subject = "" },
		"empty validity":    func(e *translog.Entry) { e.NotAfter = e.NotBefore },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := entry("x")
			mutate(&e)
			_, err := l.Append(t.Context(), e)
			assert.ErrorIs(t, err, translog.ErrInvalidEntry)
		})
	}
}

func TestConcurrentAppendsKeepChainIntact(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *translog.Log) {
		var wg sync.WaitGroup
		for i := range 32 {
			wg.Go(func() {
				_, err := l.Append(t.Context(), entry(fmt.Sprintf("host-%02d", i)))
				assert.NoError(t, err)
			})
		}
		wg.Wait()

		v, err := l.Verify(t.Context())
		require.NoError(t, err)
		assert.True(t, v.Valid, "%+v", v.Checks)
		assert.Equal(t, 32, v.Entries)
	})
}

func TestQueryFiltersAndPages(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *translog.Log) {
		for i := range 5 {
			_, err := l.Append(t.Context(), entry(fmt.Sprintf("host-%d", i)))
			require.NoError(t, err)
		}
		_, err := l.MarkRevoked(t.Context(), fingerprint("host-3"), translog.Revocation{Reason: "keyCompromise", RevokedBy: "ops"})
		require.NoError(t, err)

		page, err := l.Query(t.Context(), translog.Filter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Records, 2)
		assert.Equal(t, uint64(2), page.Records[0].ID)
		assert.Equal(t, uint64(3), page.Records[1].ID)

		page, err = l.Query(t.Context(), translog.Filter{Subject: "CN=host-4"})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, fingerprint("host-4"), page.Records[0].Fingerprint)

		page, err = l.Query(t.Context(), translog.Filter{RevokedOnly: true})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "keyCompromise", page.Records[0].RevocationReason)

		page, err = l.Query(t.Context(), translog.Filter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.NotNil(t, page.Records)
	})
}

func TestMarkRevoked(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *translog.Log) {
		_, err := l.Append(t.Context(), entry("alpha"))
		require.NoError(t, err)

		r, err := l.MarkRevoked(t.Context(), fingerprint("alpha"), translog.Revocation{Reason: "superseded", RevokedBy: "admin"})
		require.NoError(t, err)
		require.True(t, r.Revoked)
		require.NotNil(t, r.RevokedAt)
		firstAt := *r.RevokedAt

		again, err := l.MarkRevoked(t.Context(), fingerprint("alpha"), translog.Revocation{Reason: "keyCompromise", RevokedBy: "other"})
		require.NoError(t, err)
		assert.Equal(t, "superseded", again.RevocationReason)
		assert.Equal(t, "admin", again.RevokedBy)
		assert.True(t, firstAt.Equal(*again.RevokedAt))

		_, err = l.MarkRevoked(t.Context(), fingerprint("missing"), translog.Revocation{Reason: "superseded"})
		assert.ErrorIs(t, err, translog.ErrNotFound)

		_, err = l.MarkRevoked(t.Context(), fingerprint("alpha"), translog.Revocation{})
		assert.ErrorIs(t, err, translog.ErrInvalidEntry)

		v, err := l.Verify(t.Context())
		require.NoError(t, err)
		assert.True(t, v.Valid, "revocation must not break the chain: %+v", v.Checks)
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := translog.OpenSQLite(t.Context(), path)
	require.NoError(t, err)
	_, err = translog.New(s).Append(t.Context(), entry("alpha"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = translog.OpenSQLite(t.Context(), path)
	require.NoError(t, err)
	defer s.Close()
	l := translog.New(s)
	ack, err := l.Append(t.Context(), entry("beta"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.ID)

	v, err := l.Verify(t.Context())
	require.NoError(t, err)
	assert.True(t, v.Valid)
}
