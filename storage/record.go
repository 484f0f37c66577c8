package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the unit of storage. Data is an opaque JSON document; Version is
// incremented on every CAS write and is zero for records that do not exist.
type Record struct {
	Data      []byte    `json:"data"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Data:      append([]byte(nil), r.Data...),
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

// Encode marshals v into a Record carrying the given version.
func Encode(v any, version uint64) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return &Record{Data: data, Version: version, UpdatedAt: time.Now().UTC()}, nil
}

// Decode unmarshals a Record's data into a new T.
func Decode[T any](rec *Record) (*T, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &v, nil
}

// Load fetches and decodes a record, returning its current version.
func Load[T any](ctx context.Context, repo Repository, ns, kind, id string) (*T, uint64, error) {
	rec, err := repo.Get(ctx, ns, kind, id)
	if err != nil {
		return nil, 0, err
	}
	v, err := Decode[T](rec)
	if err != nil {
		return nil, 0, err
	}
	return v, rec.Version, nil
}

// Create stores v only if no record exists under (ns, kind, id).
// It returns ErrCASFailed when the id is already taken.
func Create(ctx context.Context, repo Repository, ns, kind, id string, v any) error {
	rec, err := Encode(v, 1)
	if err != nil {
		return err
	}
	return repo.PutCAS(ctx, ns, kind, id, 0, rec)
}

// MaxUpdateAttempts bounds the optimistic retry loop in Update.
const MaxUpdateAttempts = 16

// ErrTooMuchContention is returned by Update when every attempt lost the CAS race.
var ErrTooMuchContention = errors.New("too much contention")

// Update loads the record, applies fn and writes it back with a CAS on the
// loaded version, retrying when a concurrent writer got there first. fn may be
// called more than once and must not have side effects beyond mutating v.
// Returning an error from fn aborts without writing.
func Update[T any](ctx context.Context, repo Repository, ns, kind, id string, fn func(v *T) error) (*T, error) {
	for range MaxUpdateAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, version, err := Load[T](ctx, repo, ns, kind, id)
		if err != nil {
			return nil, err
		}
		if err := fn(v); err != nil {
			return nil, err
		}
		rec, err := Encode(v, version+1)
		if err != nil {
			return nil, err
		}
		err = repo.PutCAS(ctx, ns, kind, id, version, rec)
		if errors.Is(err, ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("%s/%s: %w", kind, id, ErrTooMuchContention)
}
