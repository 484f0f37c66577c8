// Package storage provides the persistence abstraction for PSK records,
// certificate audit requests, serial reservations and the log outbox.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(kind string, id string, rec *Record) error
	PutCAS(kind string, id string, expectedVersion uint64, rec *Record) error
	Delete(kind string, id string) error
}

// Repository is a namespaced key/value store with optimistic concurrency.
// A record is addressed by (namespace, kind, id). PutCAS with an expected
// version of zero creates the record only if it does not exist yet.
type Repository interface {
	Put(ctx context.Context, ns string, kind string, id string, rec *Record) error
	Get(ctx context.Context, ns string, kind string, id string) (*Record, error)
	List(ctx context.Context, ns string, kind string) ([]string, error)
	PutCAS(ctx context.Context, ns string, kind string, id string, expectedVersion uint64, rec *Record) error
	Delete(ctx context.Context, ns string, kind string, id string) error
	Batch(ctx context.Context, ns string, fn func(tx BatchTx) error) error
}
