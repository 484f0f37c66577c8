package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironca/storage"
	"github.com/jmcleod/ironca/storage/storagetest"
)

func newTestDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "ironca-test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBBoltStorage(t *testing.T) {
	storagetest.Run(t, NewRepository(newTestDB(t)))
}

func TestNewRepositoryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bbolt-file-test.db")

	repo, err := NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NotNil(t, repo.db)

	ctx := context.Background()
	require.NoError(t, repo.Put(ctx, "ns", "PSK", "a", &storage.Record{Data: []byte(`{}`), Version: 1}))
	require.NoError(t, repo.Close())

	// Records survive a reopen.
	repo, err = NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer repo.Close()
	got, err := repo.Get(ctx, "ns", "PSK", "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)

	_, err = NewRepositoryFromFile("/nonexistent/path/to/db", nil)
	assert.Error(t, err)
}

func TestBBoltBatchCASConflictRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewRepository(newTestDB(t))
	rec := &storage.Record{Data: []byte(`{}`), Version: 1}
	require.NoError(t, s.Put(ctx, "ns", "PSK", "taken", rec))

	err := s.Batch(ctx, "ns", func(tx storage.BatchTx) error {
		if err := tx.Put("PSK", "fresh", rec); err != nil {
			return err
		}
		return tx.PutCAS("PSK", "taken", 0, rec)
	})
	require.ErrorIs(t, err, storage.ErrCASFailed)

	_, err = s.Get(ctx, "ns", "PSK", "fresh")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
