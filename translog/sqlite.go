package translog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStore is the durable Store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening log database: %w", err)
	}
	// The log is single-writer; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying log schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const recordColumns = `id, fingerprint, serial_number, subject, issuer, not_before, not_after,
certificate_type, client_ip, requester_id, metadata, logged_at, prev_hash, hash,
revoked, revoked_at, revocation_reason, revoked_by`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                   Record
		notBefore, notAfter string
		loggedAt            string
		metadata            string
		revokedAt           sql.NullString
	)
	err := row.Scan(&r.ID, &r.Fingerprint, &r.SerialNumber, &r.Subject, &r.Issuer,
		&notBefore, &notAfter, &r.CertificateType, &r.ClientIP, &r.RequesterID, &metadata,
		&loggedAt, &r.PrevHash, &r.Hash, &r.Revoked, &revokedAt, &r.RevocationReason, &r.RevokedBy)
	if err != nil {
		return nil, err
	}
	if r.NotBefore, err = parseTime(notBefore); err != nil {
		return nil, err
	}
	if r.NotAfter, err = parseTime(notAfter); err != nil {
		return nil, err
	}
	if r.LoggedAt, err = parseTime(loggedAt); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := parseTime(revokedAt.String)
		if err != nil {
			return nil, err
		}
		r.RevokedAt = &t
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func (s *SQLiteStore) Last(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM log_records ORDER BY id DESC LIMIT 1`)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading log head: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, r *Record) error {
	var metadata string
	if len(r.Metadata) > 0 {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO log_records (`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', '')`,
		r.ID, r.Fingerprint, r.SerialNumber, r.Subject, r.Issuer,
		formatTime(r.NotBefore), formatTime(r.NotAfter), r.CertificateType, r.ClientIP,
		r.RequesterID, metadata, formatTime(r.LoggedAt), r.PrevHash, r.Hash)
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting log record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM log_records WHERE fingerprint = ?`, fingerprint)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading log record: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*Record, int, error) {
	f = f.Normalize()
	var (
		where []string
		args  []any
	)
	if f.Subject != "" {
		where = append(where, "subject = ?")
		args = append(args, f.Subject)
	}
	if f.Fingerprint != "" {
		where = append(where, "fingerprint = ?")
		args = append(args, f.Fingerprint)
	}
	if f.RevokedOnly {
		where = append(where, "revoked = 1")
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM log_records`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting log records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM log_records`+clause+
		` ORDER BY id ASC LIMIT ? OFFSET ?`, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying log records: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning log record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating log records: %w", err)
	}
	return out, total, nil
}

func (s *SQLiteStore) SetRevoked(ctx context.Context, fingerprint string, at time.Time, rev Revocation) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE log_records
SET revoked = 1, revoked_at = ?, revocation_reason = ?, revoked_by = ?
WHERE fingerprint = ? AND revoked = 0`, formatTime(at), rev.Reason, rev.RevokedBy, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("revoking log record: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("revoking log record: %w", err)
	}
	return s.Get(ctx, fingerprint)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
