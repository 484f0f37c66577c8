// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/ironca/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(kind, id string) string {
	return kind + ":" + id
}

func (r *Repository) Put(_ context.Context, ns, kind, id string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(ns, kind, id, rec)
}

func (r *Repository) putLocked(ns, kind, id string, rec *storage.Record) error {
	if _, ok := r.data[ns]; !ok {
		r.data[ns] = make(map[string]*storage.Record)
	}
	r.data[ns][makeKey(kind, id)] = rec.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, ns, kind, id string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(ns, kind, id)
}

func (r *Repository) getLocked(ns, kind, id string) (*storage.Record, error) {
	rec, ok := r.data[ns][makeKey(kind, id)]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r *Repository) List(_ context.Context, ns, kind string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := kind + ":"
	for k := range r.data[ns] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, ns, kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(ns, kind, id)
}

func (r *Repository) deleteLocked(ns, kind, id string) error {
	k := makeKey(kind, id)
	if _, ok := r.data[ns][k]; !ok {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	delete(r.data[ns], k)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, ns, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(ns, kind, id, expectedVersion, rec)
}

func (r *Repository) putCASLocked(ns, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existing, ok := r.data[ns][makeKey(kind, id)]
	if !ok {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(ns, kind, id, rec)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(ns, kind, id, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, ns string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshot(ns)

	tx := &memoryBatchTx{repo: r, ns: ns}
	if err := fn(tx); err != nil {
		r.restore(ns, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshot(ns string) map[string]*storage.Record {
	original, ok := r.data[ns]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = v.Clone()
	}
	return cp
}

func (r *Repository) restore(ns string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, ns)
	} else {
		r.data[ns] = snapshot
	}
}

type memoryBatchTx struct {
	repo *Repository
	ns   string
}

func (tx *memoryBatchTx) Put(kind, id string, rec *storage.Record) error {
	return tx.repo.putLocked(tx.ns, kind, id, rec)
}

func (tx *memoryBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(tx.ns, kind, id, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(kind, id string) error {
	return tx.repo.deleteLocked(tx.ns, kind, id)
}
