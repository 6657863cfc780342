package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHead(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		head *Message
		want QueueState
	}{
		{"empty", nil, QueueEmpty},
		{"barrier", &Message{When: now}, QueueBarrierUp},
		{"overdue", &Message{When: now.Add(-time.Second), Task: noopTask}, QueueTaskDueSoon},
		{"within window", &Message{When: now.Add(LookaheadWindow - time.Millisecond), Task: noopTask}, QueueTaskDueSoon},
		{"at window edge", &Message{When: now.Add(LookaheadWindow), Task: noopTask}, QueueTaskDueSoon},
		{"past window edge", &Message{When: now.Add(LookaheadWindow + time.Nanosecond), Task: noopTask}, QueueTaskDueLong},
		{"far future", &Message{When: now.Add(time.Hour), Task: noopTask}, QueueTaskDueLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyHead(tc.head, now))
		})
	}
}

// countingHandler keeps dispatching until limit messages have been seen.
type countingHandler struct {
	limit      int
	dispatched int
	last       *Message
	states     []QueueState
	quit       bool
}

func (h *countingHandler) keep(s QueueState) bool {
	h.states = append(h.states, s)
	return h.dispatched < h.limit
}

func (h *countingHandler) QueueEmpty() bool  { return h.keep(QueueEmpty) }
func (h *countingHandler) TaskDueSoon() bool { return h.keep(QueueTaskDueSoon) }
func (h *countingHandler) TaskDueLong() bool { return h.keep(QueueTaskDueLong) }
func (h *countingHandler) BarrierUp() bool   { return h.keep(QueueBarrierUp) }

func (h *countingHandler) BeforeTaskDispatch() bool {
	h.dispatched++
	return true
}

func (h *countingHandler) SetLastMessage(m *Message) { h.last = m }
func (h *countingHandler) Quitting()                 { h.quit = true }

// TestLoopAndInterrogate_DispatchesUntilHandlerStops tests the interrogation loop
// Main test items:
// 1. Messages are dispatched on the loop goroutine from inside a task
// 2. The handler sees each head state and the last message
// 3. The loop returns once the handler says stop
func TestLoopAndInterrogate_DispatchesUntilHandlerStops(t *testing.T) {
	l := newTestLooper(t)

	var ran []string
	h := &countingHandler{limit: 2}
	err := l.RunSync(context.Background(), func() {
		l.PostNamed("a", func(context.Context) { ran = append(ran, "a") }, time.Now(), nil)
		l.PostNamed("b", func(context.Context) { ran = append(ran, "b") }, time.Now(), nil)
		l.PostNamed("c", func(context.Context) { ran = append(ran, "c") }, time.Now().Add(time.Hour), nil)

		assert.False(t, l.IsInterrogating())
		LoopAndInterrogate(l, h)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, ran)
	require.NotNil(t, h.last)
	assert.Equal(t, "b", h.last.Name)
	assert.Equal(t, QueueTaskDueLong, h.states[len(h.states)-1])
	assert.False(t, l.IsInterrogating())
}

func TestLoopAndInterrogate_StopsAfterDispatchWhenBeforeDispatchFalse(t *testing.T) {
	l := newTestLooper(t)

	h := &stopOnDispatch{}
	var ran, seen int
	require.NoError(t, l.RunSync(context.Background(), func() {
		l.PostTask(func(context.Context) { ran++ })
		l.PostTask(func(context.Context) { ran++ })
		LoopAndInterrogate(l, h)
		seen = ran
	}))
	// The first task is still dispatched; the second waits for the outer loop.
	assert.Equal(t, 1, seen)
}

type stopOnDispatch struct{ countingHandler }

func (h *stopOnDispatch) QueueEmpty() bool         { return false }
func (h *stopOnDispatch) TaskDueSoon() bool        { return true }
func (h *stopOnDispatch) BeforeTaskDispatch() bool { return false }

func TestLoopAndInterrogate_Misuse(t *testing.T) {
	l := newTestLooper(t)

	assert.Panics(t, func() { LoopAndInterrogate(l, &countingHandler{}) }, "off-loop call")

	assert.Panics(t, func() {
		_ = l.RunSync(context.Background(), func() {
			outer := &nestingHandler{l: l}
			l.PostTask(noopTask)
			LoopAndInterrogate(l, outer)
		})
	}, "nested call")
}

// nestingHandler starts a second interrogation from inside the first.
type nestingHandler struct {
	countingHandler
	l *Looper
}

func (h *nestingHandler) TaskDueSoon() bool {
	LoopAndInterrogate(h.l, &countingHandler{})
	return false
}

func TestLoopAndInterrogate_Quitting(t *testing.T) {
	l := NewLooper("quitting", WithLooperLogger(NewNoOpLogger()))
	l.Start()

	h := &countingHandler{limit: 1 << 30}
	done := make(chan struct{})
	l.PostTask(func(context.Context) {
		defer close(done)
		LoopAndInterrogate(l, h)
	})

	time.Sleep(20 * time.Millisecond)
	l.Quit()

	select {
	case <-done:
		assert.True(t, h.quit)
	case <-time.After(time.Second):
		t.Fatal("interrogation did not observe quit")
	}
	l.Join()
}

// traceHandler records every callback and keeps going on an empty queue.
type traceHandler struct {
	events []string
	empty  chan struct{}
}

func (h *traceHandler) QueueEmpty() bool {
	h.events = append(h.events, "empty")
	if h.empty != nil {
		close(h.empty)
		h.empty = nil
	}
	return true
}

func (h *traceHandler) TaskDueSoon() bool { h.events = append(h.events, "soon"); return true }
func (h *traceHandler) TaskDueLong() bool { h.events = append(h.events, "long"); return true }
func (h *traceHandler) BarrierUp() bool   { h.events = append(h.events, "barrier"); return true }

func (h *traceHandler) BeforeTaskDispatch() bool {
	h.events = append(h.events, "dispatch")
	return true
}

func (h *traceHandler) SetLastMessage(*Message) {}
func (h *traceHandler) Quitting()               { h.events = append(h.events, "quitting") }

// TestLoopAndInterrogate_ThreeTasksThenEmptyThenQuit tests a full session trace
// Main test items:
// 1. Three ready tasks give three due-soon reports, each followed by one dispatch
// 2. The drained queue is then reported empty
// 3. A handler that keeps going on empty sees quitting once the looper quits
func TestLoopAndInterrogate_ThreeTasksThenEmptyThenQuit(t *testing.T) {
	l := NewLooper("trace", WithLooperLogger(NewNoOpLogger()))
	l.Start()

	empty := make(chan struct{})
	h := &traceHandler{empty: empty}
	var ran int
	done := make(chan struct{})
	l.PostTask(func(context.Context) {
		defer close(done)
		for i := 0; i < 3; i++ {
			l.PostTask(func(context.Context) { ran++ })
		}
		LoopAndInterrogate(l, h)
	})

	select {
	case <-empty:
	case <-time.After(time.Second):
		t.Fatal("queue never reported empty")
	}
	l.Quit()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("interrogation did not observe quit")
	}
	l.Join()

	assert.Equal(t, 3, ran)
	assert.Equal(t, []string{
		"soon", "dispatch",
		"soon", "dispatch",
		"soon", "dispatch",
		"empty",
		"quitting",
	}, h.events)
}

type peekHandler struct {
	state QueueState
	keep  bool
}

func (h *peekHandler) QueueEmpty() bool  { h.state = QueueEmpty; return h.keep }
func (h *peekHandler) TaskDueSoon() bool { h.state = QueueTaskDueSoon; return h.keep }
func (h *peekHandler) TaskDueLong() bool { h.state = QueueTaskDueLong; return h.keep }
func (h *peekHandler) BarrierUp() bool   { h.state = QueueBarrierUp; return h.keep }

func TestPeekAtQueueState(t *testing.T) {
	q := NewMessageQueue()
	q.Enqueue(noopTask, time.Now().Add(time.Hour), nil)

	h := &peekHandler{}
	PeekAtQueueState(q, h)
	assert.Equal(t, QueueTaskDueLong, h.state)

	assert.Panics(t, func() { PeekAtQueueState(q, &peekHandler{keep: true}) })
}
