package translog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironca/storage/memory"
	"github.com/jmcleod/ironca/translog"
)

type flakyAppender struct {
	failures int
	err      error
	next     translog.Appender
}

func (f *flakyAppender) Append(ctx context.Context, e translog.Entry) (translog.Ack, error) {
	if f.failures > 0 {
		f.failures--
		return translog.Ack{}, f.err
	}
	return f.next.Append(ctx, e)
}

func TestOutboxEnqueueListRemove(t *testing.T) {
	ob := translog.NewOutbox(memory.NewRepository())
	cause := errors.New("connection refused")

	require.NoError(t, ob.Enqueue(t.Context(), entry("alpha"), cause))
	require.NoError(t, ob.Enqueue(t.Context(), entry("beta"), cause))
	require.NoError(t, ob.Enqueue(t.Context(), entry("alpha"), errors.New("timeout")))

	pending, err := ob.List(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, p := range pending {
		if p.Entry.Fingerprint == fingerprint("alpha") {
			assert.Equal(t, 2, p.Attempts)
			assert.Equal(t, "timeout", p.LastError)
		}
	}

	require.NoError(t, ob.Remove(t.Context(), fingerprint("alpha")))
	require.NoError(t, ob.Remove(t.Context(), fingerprint("alpha")))
	pending, err = ob.List(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fingerprint("beta"), pending[0].Entry.Fingerprint)
}

func TestReconcilerDrainsOutbox(t *testing.T) {
	ob := translog.NewOutbox(memory.NewRepository())
	l := translog.New(translog.NewMemoryStore())
	app := &flakyAppender{failures: 1, err: translog.ErrUnavailable, next: l}
	rc := translog.NewReconciler(ob, app, time.Hour, nil)

	require.NoError(t, ob.Enqueue(t.Context(), entry("alpha"), translog.ErrUnavailable))

	n, err := rc.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
	pending, err := ob.List(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)

	n, err = rc.RunOnce(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err = ob.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = l.Get(t.Context(), fingerprint("alpha"))
	assert.NoError(t, err)
}

func TestReconcilerDropsRejectedEntries(t *testing.T) {
	ob := translog.NewOutbox(memory.NewRepository())
	app := &flakyAppender{failures: 1, err: translog.ErrRejected}
	rc := translog.NewReconciler(ob, app, time.Hour, nil)
	require.NoError(t, ob.Enqueue(t.Context(), entry("alpha"), nil))

	_, err := rc.RunOnce(t.Context())
	require.NoError(t, err)
	pending, err := ob.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcilerStartStop(t *testing.T) {
	ob := translog.NewOutbox(memory.NewRepository())
	l := translog.New(translog.NewMemoryStore())
	rc := translog.NewReconciler(ob, l, 10*time.Millisecond, nil)
	require.NoError(t, ob.Enqueue(t.Context(), entry("alpha"), nil))

	rc.Start(t.Context())
	rc.Start(t.Context())
	require.Eventually(t, func() bool {
		pending, err := ob.List(t.Context())
		return err == nil && len(pending) == 0
	}, 2*time.Second, 10*time.Millisecond)
	rc.Stop()
	rc.Stop()
}
