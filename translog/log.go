package translog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Log is the log service. Appends are serialized so every record links to
// the one before it.
type Log struct {
	mu     sync.Mutex
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used for append and revocation events.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New returns a Log over store.
func New(store Store, opts ...Option) *Log {
	l := &Log{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records e. Appending a fingerprint that is already present returns
// the existing record's ack with Duplicate set.
func (l *Log) Append(ctx context.Context, e Entry) (Ack, error) {
	if err := e.Validate(); err != nil {
		return Ack{}, err
	}
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, err := l.store.Get(ctx, e.Fingerprint); err == nil {
		return Ack{ID: existing.ID, Hash: existing.Hash, Duplicate: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Ack{}, err
	}

	last, err := l.store.Last(ctx)
	if err != nil {
		return Ack{}, err
	}
	rec := &Record{
		ID:       1,
		Entry:    e,
		LoggedAt: l.now().UTC(),
		PrevHash: GenesisHash,
	}
	rec.NotBefore = rec.NotBefore.UTC()
	rec.NotAfter = rec.NotAfter.UTC()
	if last != nil {
		rec.ID = last.ID + 1
		rec.PrevHash = last.Hash
		if rec.LoggedAt.Before(last.LoggedAt) {
			rec.LoggedAt = last.LoggedAt
		}
	}
	rec.Hash = ChainHash(rec.PrevHash, rec)

	if err := l.store.Insert(ctx, rec); err != nil {
		return Ack{}, fmt.Errorf("appending %s: %w", e.Fingerprint, err)
	}
	l.logger.Info("log entry appended",
		slog.Uint64("id", rec.ID),
		slog.String("fingerprint", rec.Fingerprint),
		slog.String("subject", rec.Subject),
		slog.String("serial", rec.SerialNumber),
	)
	return Ack{ID: rec.ID, Hash: rec.Hash}, nil
}

// Get returns the record for fingerprint or ErrNotFound.
func (l *Log) Get(ctx context.Context, fingerprint string) (*Record, error) {
	return l.store.Get(ctx, fingerprint)
}

// Query returns one page of records matching f, ordered by ID.
func (l *Log) Query(ctx context.Context, f Filter) (*Page, error) {
	f = f.Normalize()
	records, total, err := l.store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*Record{}
	}
	return &Page{Records: records, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// MarkRevoked flags the record as revoked. Revoking an already revoked
// record returns it unchanged.
func (l *Log) MarkRevoked(ctx context.Context, fingerprint string, rev Revocation) (*Record, error) {
	if err := rev.validate(); err != nil {
		return nil, err
	}
	r, err := l.store.SetRevoked(ctx, fingerprint, l.now(), rev)
	if err != nil {
		return nil, err
	}
	l.logger.Info("log entry revoked",
		slog.String("fingerprint", fingerprint),
		slog.String("reason", r.RevocationReason),
		slog.String("revoked_by", r.RevokedBy),
	)
	return r, nil
}

// Verify walks the whole chain.
func (l *Log) Verify(ctx context.Context) (Verification, error) {
	records, err := All(ctx, l, Filter{})
	if err != nil {
		return Verification{}, err
	}
	return VerifyChain(records), nil
}

// Querier is implemented by Log and Client.
type Querier interface {
	Query(ctx context.Context, f Filter) (*Page, error)
}

// All pages through q collecting every record matching f.
func All(ctx context.Context, q Querier, f Filter) ([]*Record, error) {
	f.Limit = MaxLimit
	f.Offset = 0
	var out []*Record
	for {
		page, err := q.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if len(page.Records) == 0 || len(out) >= page.Total {
			return out, nil
		}
		f.Offset += len(page.Records)
	}
}
