package translog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Appender is implemented by Log and Client.
type Appender interface {
	Append(ctx context.Context, e Entry) (Ack, error)
}

// Reconciler periodically replays outbox entries against the log.
type Reconciler struct {
	outbox   *Outbox
	log      Appender
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler returns a Reconciler that runs every interval once started.
func NewReconciler(outbox *Outbox, log Appender, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{outbox: outbox, log: log, interval: interval, logger: logger}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reconciler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("log reconciliation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce replays every pending entry once and returns how many were
// logged. An entry the log rejects outright is dropped and reported.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.outbox.List(ctx)
	if err != nil {
		return 0, err
	}
	logged := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return logged, err
		}
		fp := p.Entry.Fingerprint
		ack, err := r.log.Append(ctx, p.Entry)
		switch {
		case err == nil:
			if err := r.outbox.Remove(ctx, fp); err != nil {
				return logged, err
			}
			logged++
			r.logger.Info("pending log entry reconciled",
				slog.String("fingerprint", fp),
				slog.Uint64("id", ack.ID),
				slog.Int("attempts", p.Attempts+1),
			)
		case errors.Is(err, ErrRejected), errors.Is(err, ErrInvalidEntry):
			r.logger.Error("pending log entry rejected, dropping",
				slog.String("fingerprint", fp),
				slog.String("error", err.Error()),
			)
			if err := r.outbox.Remove(ctx, fp); err != nil {
				return logged, err
			}
		default:
			if merr := r.outbox.MarkAttempt(ctx, fp, err); merr != nil {
				return logged, merr
			}
		}
	}
	return logged, nil
}
