// Package storagetest holds the behavioural tests every storage.Repository
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage"
)

type counter struct {
	N int `json:"n"`
}

// Run exercises repo against the Repository contract. The repository must be
// empty for the namespaces "ns1" and "ns2".
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()
	rec := &storage.Record{Data: []byte(`{"n":1}`), Version: 1}

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "PSK", "a", rec))

		got, err := repo.Get(ctx, "ns1", "PSK", "a")
		require.NoError(t, err)
		assert.JSONEq(t, string(rec.Data), string(got.Data))
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing", "PSK", "a")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = repo.Get(ctx, "ns1", "PSK", "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListByKind", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "PSK", "b", rec))
		require.NoError(t, repo.Put(ctx, "ns1", "SERIAL", "a", rec))
		require.NoError(t, repo.Put(ctx, "ns2", "PSK", "z", rec))

		ids, err := repo.List(ctx, "ns1", "PSK")
		require.NoError(t, err)
		sort.Strings(ids)
		assert.Equal(t, []string{"a", "b"}, ids)

		ids, err = repo.List(ctx, "missing", "PSK")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "ns1", "PSK", "b"))
		_, err := repo.Get(ctx, "ns1", "PSK", "b")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.ErrorIs(t, repo.Delete(ctx, "ns1", "PSK", "b"), storage.ErrNotFound)
	})

	t.Run("PutCAS", func(t *testing.T) {
		v1 := &storage.Record{Data: []byte(`{"n":1}`), Version: 1}
		v2 := &storage.Record{Data: []byte(`{"n":2}`), Version: 2}

		require.NoError(t, repo.PutCAS(ctx, "ns1", "CAS", "x", 0, v1))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns1", "CAS", "x", 0, v1), storage.ErrCASFailed, "create must fail when the record exists")
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns1", "CAS", "x", 5, v2), storage.ErrCASFailed, "stale version must fail")
		require.NoError(t, repo.PutCAS(ctx, "ns1", "CAS", "x", 1, v2))
		assert.ErrorIs(t, repo.PutCAS(ctx, "ns1", "CAS", "y", 1, v2), storage.ErrCASFailed, "update of a missing record must fail")

		got, err := repo.Get(ctx, "ns1", "CAS", "x")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, "ns1", func(tx storage.BatchTx) error {
			if err := tx.Put("BATCH", "one", rec); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		_, err = repo.Get(ctx, "ns1", "BATCH", "one")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, "ns1", func(tx storage.BatchTx) error {
			if err := tx.PutCAS("BATCH", "one", 0, rec); err != nil {
				return err
			}
			return tx.Put("BATCH", "two", rec)
		})
		require.NoError(t, err)
		ids, err := repo.List(ctx, "ns1", "BATCH")
		require.NoError(t, err)
		assert.Len(t, ids, 2)
	})

	t.Run("ConcurrentUpdate", func(t *testing.T) {
		require.NoError(t, storage.Create(ctx, repo, "ns2", "COUNTER", "c", &counter{}))

		const workers = 8
		var wg sync.WaitGroup
		for range workers {
			wg.Go(func() {
				_, err := storage.Update(ctx, repo, "ns2", "COUNTER", "c", func(c *counter) error {
					c.N++
					return nil
				})
				assert.NoError(t, err)
			})
		}
		wg.Wait()

		got, _, err := storage.Load[counter](ctx, repo, "ns2", "COUNTER", "c")
		require.NoError(t, err)
		assert.Equal(t, workers, got.N)
	})
}
