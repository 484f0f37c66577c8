package translog

import (
	"context"
	"sync"
	"time"
)

// Store persists log records. Insert must fail with ErrDuplicate when the
// fingerprint is already present. Callers serialize Last+Insert.
type Store interface {
	Last(ctx context.Context) (*Record, error)
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, fingerprint string) (*Record, error)
	Query(ctx context.Context, f Filter) ([]*Record, int, error)
	// SetRevoked marks the record revoked if it is not already and returns
	// the stored record.
	SetRevoked(ctx context.Context, fingerprint string, at time.Time, rev Revocation) (*Record, error)
	Close() error
}

// MemoryStore is an in-process Store used by tests and single-binary setups.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	byFP    map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byFP: make(map[string]*Record)}
}

func (m *MemoryStore) Last(ctx context.Context) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil, nil
	}
	return m.records[len(m.records)-1].Clone(), nil
}

func (m *MemoryStore) Insert(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byFP[r.Fingerprint]; ok {
		return ErrDuplicate
	}
	c := r.Clone()
	m.records = append(m.records, c)
	m.byFP[c.Fingerprint] = c
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, fingerprint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byFP[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Query(ctx context.Context, f Filter) ([]*Record, int, error) {
	f = f.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	total := 0
	for _, r := range m.records {
		if !f.match(r) {
			continue
		}
		if total >= f.Offset && len(out) < f.Limit {
			out = append(out, r.Clone())
		}
		total++
	}
	return out, total, nil
}

func (m *MemoryStore) SetRevoked(ctx context.Context, fingerprint string, at time.Time, rev Revocation) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byFP[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Revoked {
		at = at.UTC()
		r.Revoked = true
		r.RevokedAt = &at
		r.RevocationReason = rev.Reason
		r.RevokedBy = rev.RevokedBy
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Close() error { return nil }
