package translog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/ironca/storage"
)

const (
	outboxNamespace = "translog"
	kindPending     = "LOG_PENDING"
)

// Pending is an entry the signer issued but could not log yet.
type Pending struct {
	Entry         Entry     `json:"entry"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	QueuedAt      time.Time `json:"queued_at"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
}

// Outbox holds pending entries in a storage.Repository keyed by fingerprint.
type Outbox struct {
	repo storage.Repository
	now  func() time.Time
}

// NewOutbox returns an Outbox over repo.
func NewOutbox(repo storage.Repository) *Outbox {
	return &Outbox{repo: repo, now: time.Now}
}

// Enqueue records e as pending. Enqueueing an already pending fingerprint
// only updates its last error.
func (o *Outbox) Enqueue(ctx context.Context, e Entry, cause error) error {
	p := &Pending{Entry: e, QueuedAt: o.now().UTC(), Attempts: 1, LastAttemptAt: o.now().UTC()}
	if cause != nil {
		p.LastError = cause.Error()
	}
	err := storage.Create(ctx, o.repo, outboxNamespace, kindPending, e.Fingerprint, p)
	if errors.Is(err, storage.ErrCASFailed) {
		return o.MarkAttempt(ctx, e.Fingerprint, cause)
	}
	if err != nil {
		return fmt.Errorf("enqueueing log entry: %w", err)
	}
	return nil
}

// MarkAttempt bumps the attempt counter of a pending entry.
func (o *Outbox) MarkAttempt(ctx context.Context, fingerprint string, cause error) error {
	_, err := storage.Update(ctx, o.repo, outboxNamespace, kindPending, fingerprint, func(p *Pending) error {
		p.Attempts++
		p.LastAttemptAt = o.now().UTC()
		if cause != nil {
			p.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating pending log entry: %w", err)
	}
	return nil
}

// List returns every pending entry, oldest first.
func (o *Outbox) List(ctx context.Context) ([]*Pending, error) {
	ids, err := o.repo.List(ctx, outboxNamespace, kindPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending log entries: %w", err)
	}
	out := make([]*Pending, 0, len(ids))
	for _, id := range ids {
		p, _, err := storage.Load[Pending](ctx, o.repo, outboxNamespace, kindPending, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// Remove drops a pending entry. Removing an absent entry is not an error.
func (o *Outbox) Remove(ctx context.Context, fingerprint string) error {
	err := o.repo.Delete(ctx, outboxNamespace, kindPending, fingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("removing pending log entry: %w", err)
	}
	return nil
}
