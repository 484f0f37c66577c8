// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, kind,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. Record data is stored as JSONB so operators can inspect PSK
// metadata and audit requests with plain SQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a connection pool, ensures the schema exists, and returns a
// new Repository.
func Open(ctx context.Context, cfg *PoolConfig) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertSQL = `INSERT INTO records (namespace, kind, record_id, data, version, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6)
	 ON CONFLICT (namespace, kind, record_id)
	 DO UPDATE SET data = $4, version = $5, updated_at = $6`

func (s *Store) Put(ctx context.Context, ns, kind, id string, rec *storage.Record) error {
	_, err := s.pool.Exec(ctx, upsertSQL, ns, kind, id, rec.Data, rec.Version, updatedAt(rec))
	return mapPostgresError(err)
}

func (s *Store) Get(ctx context.Context, ns, kind, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.pool.QueryRow(ctx,
		`SELECT data, version, updated_at
		 FROM records WHERE namespace = $1 AND kind = $2 AND record_id = $3`,
		ns, kind, id).Scan(&rec.Data, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context, ns, kind string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records WHERE namespace = $1 AND kind = $2 ORDER BY record_id`,
		ns, kind)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, mapPostgresError(rows.Err())
}

func (s *Store) Delete(ctx context.Context, ns, kind, id string) error {
	return deleteRecord(ctx, s.pool, ns, kind, id)
}

func (s *Store) PutCAS(ctx context.Context, ns, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, ns, kind, id, expectedVersion, rec); err != nil {
		return err
	}
	return mapPostgresError(tx.Commit(ctx))
}

func (s *Store) Batch(ctx context.Context, ns string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapPostgresError(err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	btx := &pgBatchTx{ctx: ctx, tx: pgTx, ns: ns}
	if err := fn(btx); err != nil {
		return err
	}
	return mapPostgresError(pgTx.Commit(ctx))
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
	ns  string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(kind, id string, rec *storage.Record) error {
	_, err := btx.tx.Exec(btx.ctx, upsertSQL, btx.ns, kind, id, rec.Data, rec.Version, updatedAt(rec))
	return mapPostgresError(err)
}

func (btx *pgBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInTx(btx.ctx, btx.tx, btx.ns, kind, id, expectedVersion, rec)
}

func (btx *pgBatchTx) Delete(kind, id string) error {
	return deleteRecord(btx.ctx, btx.tx, btx.ns, kind, id)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// execer abstracts both *pgxpool.Pool and pgx.Tx for shared statements.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func deleteRecord(ctx context.Context, q execer, ns, kind, id string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE namespace = $1 AND kind = $2 AND record_id = $3`,
		ns, kind, id)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, ns, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND kind = $2 AND record_id = $3
		 FOR UPDATE`,
		ns, kind, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO records (namespace, kind, record_id, data, version, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ns, kind, id, rec.Data, rec.Version, updatedAt(rec))
		return mapPostgresError(err)
	}
	if err != nil {
		return mapPostgresError(err)
	}

	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET data = $4, version = $5, updated_at = $6
		 WHERE namespace = $1 AND kind = $2 AND record_id = $3`,
		ns, kind, id, rec.Data, rec.Version, updatedAt(rec))
	return mapPostgresError(err)
}

func updatedAt(rec *storage.Record) time.Time {
	if rec.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.UpdatedAt
}
