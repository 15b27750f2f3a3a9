package trader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"VaultTrader/internal/storage/mysql"
)

// gatedRunner 在每次触发开始时通知，并等待放行后才结束。
type gatedRunner struct {
	started chan struct{}
	release chan struct{}

	running atomic.Int32
	maxSeen atomic.Int32
	runs    atomic.Int32

	mu    sync.Mutex
	skips []string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}, 16),
	}
}

func (r *gatedRunner) RunTick(ctx context.Context) (mysql.TickRecord, error) {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	r.runs.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return mysql.TickRecord{ID: "tick", Status: mysql.StatusSucceeded}, nil
}

func (r *gatedRunner) RecordSkip(_ context.Context, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skips = append(r.skips, reason)
}

func (r *gatedRunner) Skips() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.skips...)
}

func waitStarted(t *testing.T, r *gatedRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick did not start")
	}
}

func startWorker(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.work(ctx)
	}()
	return cancel, done
}

func TestSchedulerSkipPolicyDropsOverlappingTicks(t *testing.T) {
	runner := newGatedRunner()
	s, err := NewScheduler(runner, time.Hour, OverlapSkip)
	require.NoError(t, err)
	cancel, done := startWorker(t, s)
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.True(t, s.Trigger(ctx))
	waitStarted(t, runner)

	require.False(t, s.Trigger(ctx))
	require.False(t, s.Trigger(ctx))
	require.Equal(t, []string{SkipOverlap, SkipOverlap}, runner.Skips())

	runner.release <- struct{}{}
	require.Eventually(t, func() bool { return !s.Busy() }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.Trigger(ctx))
	waitStarted(t, runner)
	runner.release <- struct{}{}
	require.Eventually(t, func() bool { return !s.Busy() }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, int32(2), runner.runs.Load())
	require.Equal(t, int32(1), runner.maxSeen.Load())
}

func TestSchedulerQueuePolicyKeepsOnePending(t *testing.T) {
	runner := newGatedRunner()
	s, err := NewScheduler(runner, time.Hour, OverlapQueue)
	require.NoError(t, err)
	cancel, done := startWorker(t, s)
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.True(t, s.Trigger(ctx))
	waitStarted(t, runner)

	require.True(t, s.Trigger(ctx), "first overlapping tick is queued")
	require.False(t, s.Trigger(ctx), "further ticks coalesce into the queued one")
	require.Equal(t, []string{SkipCoalesced}, runner.Skips())

	runner.release <- struct{}{}
	waitStarted(t, runner)
	require.Equal(t, int32(1), runner.maxSeen.Load(), "queued tick must not overlap the running one")

	runner.release <- struct{}{}
	require.Eventually(t, func() bool { return !s.Busy() }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(2), runner.runs.Load())
}

type heldLocker struct{}

func (heldLocker) TryAcquire(context.Context) (Lock, error) { return nil, ErrLockHeld }

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context) (Lock, error) { return nil, errors.New("redis down") }

func TestSchedulerSkipsWhenLockUnavailable(t *testing.T) {
	for _, tc := range []struct {
		locker Locker
		reason string
	}{
		{heldLocker{}, SkipLockHeld},
		{brokenLocker{}, SkipLockError},
	} {
		runner := newGatedRunner()
		s, err := NewScheduler(runner, time.Hour, OverlapSkip, WithLocker(tc.locker))
		require.NoError(t, err)
		cancel, done := startWorker(t, s)

		require.True(t, s.Trigger(context.Background()))
		require.Eventually(t, func() bool { return len(runner.Skips()) == 1 }, 2*time.Second, 5*time.Millisecond)
		require.Equal(t, tc.reason, runner.Skips()[0])
		require.Zero(t, runner.runs.Load())

		cancel()
		<-done
	}
}

func TestSchedulerReleasesLockAfterTick(t *testing.T) {
	runner := newGatedRunner()
	locker := NewLocalLocker()
	s, err := NewScheduler(runner, time.Hour, OverlapSkip, WithLocker(locker))
	require.NoError(t, err)
	cancel, done := startWorker(t, s)
	defer func() { cancel(); <-done }()

	require.True(t, s.Trigger(context.Background()))
	waitStarted(t, runner)
	_, err = locker.TryAcquire(context.Background())
	require.ErrorIs(t, err, ErrLockHeld)

	runner.release <- struct{}{}
	require.Eventually(t, func() bool {
		lock, err := locker.TryAcquire(context.Background())
		if err != nil {
			return false
		}
		return lock.Release(context.Background()) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerRunStopsWithContext(t *testing.T) {
	runner := newGatedRunner()
	close(runner.release)
	s, err := NewScheduler(runner, 10*time.Millisecond, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	require.Equal(t, int32(1), runner.maxSeen.Load())
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler(nil, time.Second, OverlapSkip)
	require.Error(t, err)
	_, err = NewScheduler(newGatedRunner(), 0, OverlapSkip)
	require.Error(t, err)
	_, err = NewScheduler(newGatedRunner(), time.Second, "parallel")
	require.Error(t, err)
}
