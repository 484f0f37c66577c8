package psk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/ironca/storage"
)

const (
	namespace  = "psk"
	kindKey    = "KEY"
	kindPrefix = "PREFIX"
)

// ErrPrefixCollision is returned by Create when another key already owns the
// lookup prefix. Callers regenerate and retry.
var ErrPrefixCollision = errors.New("pre-shared key prefix collision")

type prefixIndex struct {
	ID string `json:"id"`
}

// Store persists keys in a storage.Repository. Usage accounting goes through
// CAS so concurrent requests never lose or double-count an increment.
type Store struct {
	repo storage.Repository
}

// NewStore returns a Store over repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Create persists a new key and its prefix index atomically.
func (s *Store) Create(ctx context.Context, k *PreSharedKey) error {
	keyRec, err := storage.Encode(k, 1)
	if err != nil {
		return err
	}
	idxRec, err := storage.Encode(prefixIndex{ID: k.ID}, 1)
	if err != nil {
		return err
	}
	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kindPrefix, k.Prefix, 0, idxRec); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return ErrPrefixCollision
			}
			return err
		}
		return tx.PutCAS(kindKey, k.ID, 0, keyRec)
	})
	if err != nil {
		return fmt.Errorf("creating pre-shared key: %w", err)
	}
	return nil
}

// Get loads a key by ID.
func (s *Store) Get(ctx context.Context, id string) (*PreSharedKey, error) {
	k, _, err := storage.Load[PreSharedKey](ctx, s.repo, namespace, kindKey, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return k, err
}

// FindByPrefix resolves a lookup prefix to its key.
func (s *Store) FindByPrefix(ctx context.Context, prefix string) (*PreSharedKey, error) {
	idx, _, err := storage.Load[prefixIndex](ctx, s.repo, namespace, kindPrefix, prefix)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, idx.ID)
}

// List returns every key, oldest first. Revoked keys are kept for audit.
func (s *Store) List(ctx context.Context) ([]*PreSharedKey, error) {
	ids, err := s.repo.List(ctx, namespace, kindKey)
	if err != nil {
		return nil, err
	}
	keys := make([]*PreSharedKey, 0, len(ids))
	for _, id := range ids {
		k, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

// Revoke marks a key revoked. Revocation is irreversible and repeat calls
// keep the original timestamp.
func (s *Store) Revoke(ctx context.Context, id string, now time.Time) (*PreSharedKey, error) {
	k, err := storage.Update(ctx, s.repo, namespace, kindKey, id, func(k *PreSharedKey) error {
		if k.Revoked {
			return nil
		}
		at := now.UTC()
		k.Revoked = true
		k.RevokedAt = &at
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return k, err
}

// RecordUsage atomically re-checks the key and increments its use count.
// The re-check closes the window between authentication and this write in
// which a concurrent request could spend the last permitted use.
func (s *Store) RecordUsage(ctx context.Context, id string, now time.Time) (*PreSharedKey, error) {
	k, err := storage.Update(ctx, s.repo, namespace, kindKey, id, func(k *PreSharedKey) error {
		switch {
		case k.Revoked:
			return ErrRevoked
		case !k.IsValid(now):
			return ErrExpired
		case k.Exhausted():
			return ErrExhausted
		}
		at := now.UTC()
		k.UseCount++
		k.LastUsedAt = &at
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return k, err
}

// ReleaseUsage gives back one use recorded by RecordUsage. It is only called
// when a request fails before the signing call was attempted.
func (s *Store) ReleaseUsage(ctx context.Context, id string) error {
	_, err := storage.Update(ctx, s.repo, namespace, kindKey, id, func(k *PreSharedKey) error {
		if k.UseCount > 0 {
			k.UseCount--
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
