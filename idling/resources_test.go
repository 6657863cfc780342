package idling

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Swind/go-idlesync/core"
)

// TestCountingResource tests the counter transitions
// Main test items:
// 1. The callback fires only on the transition to zero
// 2. Going below zero panics
// 3. Debug mode logs every change
func TestCountingResource(t *testing.T) {
	var buf bytes.Buffer
	c := NewCountingResource("jobs", true, core.NewZerologLogger(zerolog.New(&buf)))

	var calls atomic.Int32
	c.RegisterIdleTransitionCallback(func() { calls.Add(1) })

	assert.True(t, c.IsIdleNow())
	c.Increment()
	c.Increment()
	assert.False(t, c.IsIdleNow())
	assert.Equal(t, int64(2), c.Count())

	c.Decrement()
	assert.Equal(t, int32(0), calls.Load())
	c.Decrement()
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, c.IsIdleNow())

	c.DumpState()
	assert.Contains(t, buf.String(), "counter increased")
	assert.Contains(t, buf.String(), "counting resource state")

	assert.Panics(t, c.Decrement)
}

// TestCountingResource_TryDecrementConcurrent tests the checked decrement
// Main test items:
// 1. Concurrent callers never take the counter below zero
// 2. Exactly as many calls succeed as there were units of work
// 3. The idle callback fires once and the rest get ErrCounterIdle
func TestCountingResource_TryDecrementConcurrent(t *testing.T) {
	c := NewCountingResource("uploads", false, nil)
	var idled atomic.Int32
	c.RegisterIdleTransitionCallback(func() { idled.Add(1) })
	for i := 0; i < 10; i++ {
		c.Increment()
	}

	var ok, rejected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			if err := c.TryDecrement(); err != nil {
				if !errors.Is(err, ErrCounterIdle) {
					return err
				}
				rejected.Add(1)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(40), rejected.Load())
	assert.Equal(t, int64(0), c.Count())
	assert.Equal(t, int32(1), idled.Load())
}

func TestCountingResource_NoCallbackRegistered(t *testing.T) {
	c := NewCountingResource("quiet", false, nil)
	c.Increment()
	assert.NotPanics(t, c.Decrement)
}

// TestURIResource tests the quiet period after the last load
// Main test items:
// 1. The resource stays busy until the timeout after the last EndLoad
// 2. A new load during the quiet period cancels the pending transition
// 3. Ignored URIs never affect the counter
func TestURIResource(t *testing.T) {
	l := newTestLooper(t)
	u := NewURIResource("images", 30*time.Millisecond, l, false)

	idled := make(chan time.Time, 4)
	u.RegisterIdleTransitionCallback(func() { idled <- time.Now() })

	u.BeginLoad("a.png")
	assert.False(t, u.IsIdleNow())
	u.EndLoad("a.png")
	assert.False(t, u.IsIdleNow(), "quiet period has not elapsed")

	u.BeginLoad("b.png")
	select {
	case <-idled:
		t.Fatal("transition should have been cancelled")
	case <-time.After(60 * time.Millisecond):
	}

	ended := time.Now()
	u.EndLoad("b.png")
	select {
	case at := <-idled:
		assert.GreaterOrEqual(t, at.Sub(ended), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("resource never went idle")
	}
	assert.True(t, u.IsIdleNow())

	u.IgnoreURI(regexp.MustCompile(`.*\.gif`))
	u.BeginLoad("spinner.gif")
	assert.True(t, u.IsIdleNow())
	u.EndLoad("spinner.gif")

	assert.Panics(t, func() { u.EndLoad("never-started.png") })
}

func TestURIResource_IgnoreWhileBusy(t *testing.T) {
	l := newTestLooper(t)
	u := NewURIResource("docs", time.Millisecond, l, false)

	u.BeginLoad("x.pdf")
	u.IgnoreURI(regexp.MustCompile(`x\.pdf`))
	assert.False(t, u.isIgnored("x.pdf"), "patterns are dropped while busy")
}

func TestURIResource_NonPositiveTimeoutPanics(t *testing.T) {
	l := newTestLooper(t)
	assert.Panics(t, func() { NewURIResource("bad", 0, l, false) })
}

// TestLooperResource tests idleness of a foreign looper
// Main test items:
// 1. The resource becomes idle once the interrogation starts on an empty queue
// 2. A long task keeps it busy and finishing it fires the callback
// 3. Work due soon counts as busy
func TestLooperResource(t *testing.T) {
	home := newTestLooper(t)
	worker := newTestLooper(t)
	r := NewRegistry(home)

	lr := r.LooperResource(worker)
	assert.Contains(t, lr.Name(), worker.Name())

	var idled atomic.Int32
	lr.RegisterIdleTransitionCallback(func() { idled.Add(1) })
	require.Eventually(t, lr.IsIdleNow, time.Second, time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	worker.PostTask(func(context.Context) {
		close(started)
		<-release
	})
	<-started
	assert.False(t, lr.IsIdleNow())

	before := idled.Load()
	close(release)
	require.Eventually(t, func() bool { return idled.Load() > before }, time.Second, time.Millisecond)
	require.Eventually(t, lr.IsIdleNow, time.Second, time.Millisecond)

	worker.PostDelayedTask(func(context.Context) {}, 5*time.Millisecond)
	assert.False(t, lr.IsIdleNow(), "task due within the lookahead window")
}

func TestLooperResource_RegisteredThroughRegistry(t *testing.T) {
	home := newTestLooper(t)
	worker := newTestLooper(t)
	r := NewRegistry(home)
	require.True(t, r.RegisterLooper(worker))

	release := make(chan struct{})
	started := make(chan struct{})
	worker.PostTask(func(context.Context) {
		close(started)
		<-release
	})
	<-started

	cb := newRecordingCallback()
	onLoop(t, home, func() { r.NotifyWhenAllResourcesAreIdle(cb) })
	assert.Empty(t, cb.Events())

	close(release)
	cb.wait(t)
	assert.Equal(t, []string{"idle"}, cb.Events())
}

func TestTracer_Spans(t *testing.T) {
	metrics := &busyMetrics{busy: map[string]time.Duration{}}
	tracer := NewTracer(nil, metrics)

	s := tracer.BeginSpan("db")
	assert.Equal(t, int64(1), tracer.OpenSpans())
	assert.NotEqual(t, s.ID, tracer.BeginSpan("db").ID)

	time.Sleep(5 * time.Millisecond)
	d := s.End()
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
	assert.Equal(t, time.Duration(0), s.End(), "second End is a no-op")
	assert.Equal(t, int64(1), tracer.OpenSpans())
	assert.Equal(t, d, metrics.busy["db"])
}
