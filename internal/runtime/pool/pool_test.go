package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeHandle records lifecycle calls in place of a real store connection.
type fakeHandle struct {
	mu       sync.Mutex
	execs    int
	begins   int
	commits  int
	rollback int
	closed   bool
	execErr  error
}

func (h *fakeHandle) Exec(context.Context, string, ...any) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execs++
	if h.execErr != nil {
		return 0, h.execErr
	}
	return 1, nil
}

func (h *fakeHandle) Query(context.Context, string, ...any) ([]map[string]any, error) {
	return []map[string]any{{"n": int64(1)}}, nil
}

func (h *fakeHandle) Begin(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begins++
	return nil
}

func (h *fakeHandle) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commits++
	return nil
}

func (h *fakeHandle) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollback++
	return nil
}

func (h *fakeHandle) Ping(context.Context) error { return nil }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (d *fakeDialer) Dial(context.Context) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	h := &fakeHandle{}
	d.handles = append(d.handles, h)
	return h, nil
}

func newTestPool(t *testing.T, min, max int, connectTimeout time.Duration) (*Pool, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	p, err := New(Options{
		Dialer:         dialer,
		MinSize:        min,
		MaxSize:        max,
		IdleTimeout:    time.Hour,
		ConnectTimeout: connectTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, dialer
}

func TestAcquireCreatesLazily(t *testing.T) {
	p, dialer := newTestPool(t, 0, 3, 50*time.Millisecond)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Len(t, dialer.handles, 1)
	require.Equal(t, 1, p.Stats().Open)
	require.Equal(t, 1, p.Stats().InUse)

	p.Release(conn)
	require.Equal(t, 1, p.Stats().Available)

	// Recycled, not re-dialed.
	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, conn.ID(), again.ID())
	require.Len(t, dialer.handles, 1)
	p.Release(again)
}

func TestAcquireRespectsMaxSize(t *testing.T) {
	p, _ := newTestPool(t, 0, 2, 20*time.Millisecond)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	require.NoError(t, err)
	c2, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().Open)

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 2, p.Stats().Open, "open connections must never exceed maxSize")
	require.Equal(t, int64(1), p.Stats().Exhausted)

	p.Release(c1)
	p.Release(c2)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	p, _ := newTestPool(t, 0, 1, time.Second)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(conn)
	}()

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, conn.ID(), again.ID())
	p.Release(again)
}

func TestWithConnReleasesOnError(t *testing.T) {
	p, _ := newTestPool(t, 0, 1, 50*time.Millisecond)
	ctx := context.Background()

	sentinel := errors.New("handler failed")
	err := p.WithConn(ctx, func(*Conn) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, p.Stats().Available, "connection must be released on the error path")
}

func TestReleaseNeverRecyclesMidTransaction(t *testing.T) {
	p, dialer := newTestPool(t, 0, 2, 50*time.Millisecond)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Begin(ctx))
	require.True(t, conn.TxActive())

	p.Release(conn)
	require.Equal(t, 0, p.Stats().Available)
	require.Equal(t, 0, p.Stats().Open)
	require.Equal(t, 1, dialer.handles[0].rollback, "open transaction must be rolled back before disposal")
	require.True(t, dialer.handles[0].closed)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	p, dialer := newTestPool(t, 0, 1, 50*time.Millisecond)
	ctx := context.Background()

	err := p.WithTx(ctx, func(conn *Conn) error {
		_, err := conn.Exec(ctx, "INSERT INTO events (kind) VALUES (?)", "test")
		return err
	})
	require.NoError(t, err)
	h := dialer.handles[0]
	require.Equal(t, 1, h.begins)
	require.Equal(t, 1, h.commits)
	require.Equal(t, 0, h.rollback)
	require.Equal(t, 1, p.Stats().Available, "committed connection recycles")
}

func TestWithTxRollsBackOnError(t *testing.T) {
	p, dialer := newTestPool(t, 0, 1, 50*time.Millisecond)
	ctx := context.Background()

	sentinel := errors.New("write failed")
	err := p.WithTx(ctx, func(*Conn) error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	h := dialer.handles[0]
	require.Equal(t, 1, h.rollback)
	require.Equal(t, 0, h.commits)
}

func TestStartWarmsMinSize(t *testing.T) {
	p, dialer := newTestPool(t, 2, 4, 50*time.Millisecond)
	require.NoError(t, p.Start(context.Background()))
	require.Len(t, dialer.handles, 2)
	require.Equal(t, 2, p.Stats().Available)
}

func TestReapIdleKeepsMinSize(t *testing.T) {
	dialer := &fakeDialer{}
	p, err := New(Options{
		Dialer:         dialer,
		MinSize:        1,
		MaxSize:        4,
		IdleTimeout:    time.Nanosecond,
		ConnectTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	ctx := context.Background()
	conns := make([]*Conn, 3)
	for i := range conns {
		conns[i], err = p.Acquire(ctx)
		require.NoError(t, err)
	}
	for _, c := range conns {
		p.Release(c)
	}
	require.Equal(t, 3, p.Stats().Available)

	time.Sleep(2 * time.Millisecond)
	p.reapIdle()

	stats := p.Stats()
	require.Equal(t, 1, stats.Open, "reaper must stop at minSize")
	require.Equal(t, int64(2), stats.Destroyed)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	p, _ := newTestPool(t, 0, 1, 50*time.Millisecond)
	require.NoError(t, p.Close(context.Background()))
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestAcquireDialFailurePropagates(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("store down")}
	p, err := New(Options{Dialer: dialer, MaxSize: 1, ConnectTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPoolExhausted)
}
