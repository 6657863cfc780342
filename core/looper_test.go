package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLooper(t *testing.T, opts ...LooperOption) *Looper {
	t.Helper()
	opts = append([]LooperOption{WithLooperLogger(NewNoOpLogger())}, opts...)
	l := NewLooper(t.Name(), opts...)
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

// TestLooper_Lifecycle tests start, identity and stop
// Main test items:
// 1. Start binds a goroutine and IsRunning reports it
// 2. IsCurrent is true only on the loop goroutine
// 3. Stop ends the loop and rejects later posts
func TestLooper_Lifecycle(t *testing.T) {
	l := NewLooper("lifecycle", WithLooperLogger(NewNoOpLogger()))
	assert.False(t, l.IsRunning())
	l.Join()

	l.Start()
	assert.True(t, l.IsRunning())
	assert.False(t, l.IsCurrent())

	var onLoop bool
	require.NoError(t, l.RunSync(context.Background(), func() { onLoop = l.IsCurrent() }))
	assert.True(t, onLoop)

	l.Stop()
	assert.False(t, l.IsRunning())
	assert.False(t, l.PostAtTime(noopTask, time.Now(), nil))
	assert.ErrorIs(t, l.RunSync(context.Background(), func() {}), ErrLooperQuitting)
}

func TestLooper_UniqueIDs(t *testing.T) {
	a := NewLooper("a", WithLooperLogger(NewNoOpLogger()))
	b := NewLooper("a", WithLooperLogger(NewNoOpLogger()))
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestLooper_RunTwicePanics(t *testing.T) {
	l := newTestLooper(t)
	assert.Panics(t, l.Run)
}

func TestLooper_ContextCarriesLooper(t *testing.T) {
	l := newTestLooper(t)

	got := make(chan *Looper, 1)
	l.PostTask(func(ctx context.Context) { got <- GetCurrentLooper(ctx) })

	select {
	case cur := <-got:
		assert.Same(t, l, cur)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Nil(t, GetCurrentLooper(context.Background()))
}

// TestLooper_Ordering tests queue ordering through the looper
// Main test items:
// 1. Delayed tasks run after immediate ones
// 2. UserBlocking tasks jump ahead of queued default tasks
func TestLooper_Ordering(t *testing.T) {
	l := newTestLooper(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) Task {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}

	require.NoError(t, l.RunSync(context.Background(), func() {
		l.PostDelayedTask(record("delayed"), 20*time.Millisecond)
		l.PostTask(record("default"))
		l.PostTaskWithTraits(record("blocking"), TraitsUserBlocking())
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"blocking", "default", "delayed"}, order)
}

func TestLooper_RemoveTasksWithToken(t *testing.T) {
	l := newTestLooper(t)
	var g Generation

	var ran atomic.Bool
	tok := g.Token(g.Load())
	l.PostAtTime(func(context.Context) { ran.Store(true) }, time.Now().Add(30*time.Millisecond), tok)
	assert.Equal(t, 1, l.RemoveTasksWithToken(tok))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestLooper_SyncBarrier(t *testing.T) {
	l := newTestLooper(t)

	var ran atomic.Bool
	id := l.PostSyncBarrier()
	l.PostTask(func(context.Context) { ran.Store(true) })

	time.Sleep(30 * time.Millisecond)
	assert.False(t, ran.Load())

	require.True(t, l.RemoveSyncBarrier(id))
	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}

// TestLooper_PanicRecovery tests panic routing
// Main test items:
// 1. Ordinary panics are reported and the loop survives
// 2. The dispatch record marks the panic
// 3. RunSync re-raises a panic in the caller
func TestLooper_PanicRecovery(t *testing.T) {
	handler := NewTestPanicHandler()
	metrics := NewTestMetrics()
	l := newTestLooper(t, WithLooperPanicHandler(handler), WithLooperMetrics(metrics))

	l.PostNamed("exploding", func(context.Context) { panic("boom") }, time.Now(), nil)
	require.NoError(t, l.WaitIdle(context.Background()))

	assert.Equal(t, 1, handler.CallCount())
	assert.Equal(t, 1, metrics.PanicCount())
	var found bool
	for _, rec := range l.RecentDispatches(10) {
		if rec.Name == "exploding" {
			found = true
			assert.True(t, rec.Panicked)
		}
	}
	assert.True(t, found, "no dispatch record for the panicking task")
	assert.Equal(t, int64(1), l.Stats().Panics)

	assert.PanicsWithValue(t, "sync boom", func() {
		_ = l.RunSync(context.Background(), func() { panic("sync boom") })
	})
	assert.True(t, l.IsRunning())
}

// TestLooper_UnrecoverablePanicEndsLoop tests fatal panics
// Main test items:
// 1. A FatalError raised in a nested dispatch propagates out of Run
// 2. It is reported to the panic handler once
func TestLooper_UnrecoverablePanicEndsLoop(t *testing.T) {
	handler := NewTestPanicHandler()
	l := NewLooper("fatal", WithLooperLogger(NewNoOpLogger()), WithLooperPanicHandler(handler))

	l.PostTask(func(context.Context) {
		l.PostTask(func(context.Context) { panic(Fatalf("corrupted")) })
		LoopAndInterrogate(l, &countingHandler{limit: 1})
	})

	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		l.Run()
	}()

	select {
	case r := <-recovered:
		assert.True(t, IsUnrecoverable(r))
	case <-time.After(time.Second):
		t.Fatal("fatal panic did not end the loop")
	}
	assert.Equal(t, 1, handler.CallCount())
}

func TestLooper_RunSyncContextCancel(t *testing.T) {
	l := newTestLooper(t)

	release := make(chan struct{})
	l.PostTask(func(context.Context) { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.RunSync(ctx, func() {}), context.DeadlineExceeded)
}

// TestLooper_RunSyncAbandonedPanic tests panics from a RunSync nobody waits for
// Main test items:
// 1. RunSync returns the context error while the loop is busy
// 2. The closure still runs later and its panic reaches the panic handler
// 3. The loop survives an ordinary panic
func TestLooper_RunSyncAbandonedPanic(t *testing.T) {
	handler := NewTestPanicHandler()
	l := newTestLooper(t, WithLooperPanicHandler(handler))

	release := make(chan struct{})
	l.PostTask(func(context.Context) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.RunSync(ctx, func() { panic("late boom") }), context.Canceled)
	close(release)

	require.NoError(t, l.WaitIdle(context.Background()))
	calls := handler.GetCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "late boom", calls[0].PanicInfo)
	assert.True(t, l.IsRunning())
}

func TestLooper_RunSyncAbandonedFatalEndsLoop(t *testing.T) {
	handler := NewTestPanicHandler()
	l := NewLooper("abandoned-fatal", WithLooperLogger(NewNoOpLogger()), WithLooperPanicHandler(handler))

	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		l.Run()
	}()
	require.Eventually(t, l.IsRunning, time.Second, time.Millisecond)

	release := make(chan struct{})
	l.PostTask(func(context.Context) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.RunSync(ctx, func() { panic(Fatalf("inconsistent")) }), context.Canceled)
	close(release)

	select {
	case r := <-recovered:
		assert.True(t, IsUnrecoverable(r))
	case <-time.After(time.Second):
		t.Fatal("fatal panic from an abandoned RunSync was dropped")
	}
	assert.Equal(t, 1, handler.CallCount())
}

func TestLooper_Stats(t *testing.T) {
	l := newTestLooper(t)

	l.PostNamed("stat", noopTask, time.Now(), nil)
	l.PostAtTime(noopTask, time.Now().Add(time.Hour), nil)
	require.NoError(t, l.WaitIdle(context.Background()))

	stats := l.Stats()
	assert.Equal(t, l.Name(), stats.Name)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, QueueTaskDueLong, stats.HeadState)
	assert.True(t, stats.Running)
	assert.GreaterOrEqual(t, stats.Dispatched, int64(1))

	last, ok := l.LastDispatch()
	require.True(t, ok)
	assert.False(t, last.Panicked)
}
