package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopTask(context.Context) {}

func nextWithin(t *testing.T, q *MessageQueue, d time.Duration) *Message {
	t.Helper()
	got := make(chan *Message, 1)
	go func() {
		m, ok := q.Next()
		if !ok {
			m = nil
		}
		got <- m
	}()
	select {
	case m := <-got:
		return m
	case <-time.After(d):
		t.Fatalf("Next() did not return within %v", d)
		return nil
	}
}

// TestMessageQueue_OrderByWhenThenFIFO tests dispatch order
// Main test items:
// 1. Earlier due times come first
// 2. Equal due times keep enqueue order
func TestMessageQueue_OrderByWhenThenFIFO(t *testing.T) {
	q := NewMessageQueue()
	now := time.Now()

	q.EnqueueMessage(&Message{When: now.Add(2 * time.Millisecond), Task: noopTask, Name: "late"})
	q.EnqueueMessage(&Message{When: now, Task: noopTask, Name: "first"})
	q.EnqueueMessage(&Message{When: now, Task: noopTask, Name: "second"})

	var names []string
	for range 3 {
		m := nextWithin(t, q, time.Second)
		require.NotNil(t, m)
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"first", "second", "late"}, names)
}

func TestMessageQueue_NextWaitsForDueTime(t *testing.T) {
	q := NewMessageQueue()
	start := time.Now()
	q.Enqueue(noopTask, start.Add(40*time.Millisecond), nil)

	m := nextWithin(t, q, time.Second)
	require.NotNil(t, m)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMessageQueue_EarlierTaskWakesBlockedNext(t *testing.T) {
	q := NewMessageQueue()
	q.EnqueueMessage(&Message{When: time.Now().Add(time.Hour), Task: noopTask, Name: "later"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.EnqueueMessage(&Message{When: time.Now(), Task: noopTask, Name: "now"})
	}()

	m := nextWithin(t, q, time.Second)
	require.NotNil(t, m)
	assert.Equal(t, "now", m.Name)
}

// TestMessageQueue_Barrier tests synchronization barriers
// Main test items:
// 1. A barrier at the head blocks due tasks behind it
// 2. Removing the barrier releases them
func TestMessageQueue_Barrier(t *testing.T) {
	q := NewMessageQueue()
	id := q.PostSyncBarrier(time.Now().Add(-time.Millisecond))
	q.Enqueue(noopTask, time.Now(), nil)

	assert.Equal(t, QueueBarrierUp, q.State())

	got := make(chan *Message, 1)
	go func() {
		m, _ := q.Next()
		got <- m
	}()

	select {
	case <-got:
		t.Fatal("task dispatched through a barrier")
	case <-time.After(30 * time.Millisecond):
	}

	require.True(t, q.RemoveSyncBarrier(id))
	assert.False(t, q.RemoveSyncBarrier(id))

	select {
	case m := <-got:
		assert.False(t, m.IsBarrier())
	case <-time.After(time.Second):
		t.Fatal("task not released after barrier removal")
	}
}

func TestMessageQueue_RemoveByToken(t *testing.T) {
	q := NewMessageQueue()
	var g Generation
	tok := g.Token(g.Load())

	q.Enqueue(noopTask, time.Now().Add(time.Hour), tok)
	q.Enqueue(noopTask, time.Now().Add(time.Hour), tok)
	q.Enqueue(noopTask, time.Now().Add(time.Hour), "other")
	q.PostSyncBarrier(time.Now().Add(time.Hour))

	assert.Equal(t, 0, q.RemoveByToken(nil))
	assert.Equal(t, 0, q.RemoveByToken(g.Token(g.Load()+1)))
	assert.Equal(t, 2, q.RemoveByToken(tok))
	assert.Equal(t, 2, q.Len())
}

func TestMessageQueue_Quit(t *testing.T) {
	q := NewMessageQueue()
	q.Enqueue(noopTask, time.Now().Add(time.Hour), nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Quit()
	}()

	assert.Nil(t, nextWithin(t, q, time.Second))
	assert.True(t, q.IsQuitting())
	assert.False(t, q.Enqueue(noopTask, time.Now(), nil))
}

func TestMessageQueue_NilTaskPanics(t *testing.T) {
	q := NewMessageQueue()
	assert.Panics(t, func() { q.Enqueue(nil, time.Now(), nil) })
	assert.Panics(t, func() { q.EnqueueMessage(&Message{When: time.Now()}) })
}

func TestMessage_String(t *testing.T) {
	var m *Message
	assert.Equal(t, "<none>", m.String())

	m = &Message{When: time.Now(), Task: noopTask, Name: "refresh"}
	assert.Contains(t, m.String(), "task=refresh")
}
