package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage/storagetest"
)

func newTestStore(t *testing.T, dsn string) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, &PoolConfig{ConnString: dsn})
	require.NoError(t, err)

	// Clean tables for test isolation.
	s.pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
	t.Cleanup(func() {
		s.pool.Exec(ctx, "DELETE FROM records") //nolint:errcheck
		s.Close()
	})
	return s
}

func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("IRONCA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IRONCA_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}
	storagetest.Run(t, newTestStore(t, dsn))
}

func TestPoolConfig(t *testing.T) {
	cfg := &PoolConfig{}
	assert.Error(t, cfg.Validate())

	cfg.ConnString = "postgres://localhost/ironca"
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(1), cfg.MinConns)

	cfg.MinConns = 20
	assert.Error(t, cfg.Validate())

	_, err := NewPool(context.Background(), nil)
	assert.Error(t, err)
}
