package core

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Message is a unit of pending work in a MessageQueue.
//
// A Message with a nil Task is a synchronization barrier: while it sits at the
// head of the queue nothing behind it is dispatched.
type Message struct {
	When  time.Time
	Task  Task
	Token any
	Name  string

	barrierID int
	seq       uint64
	index     int
}

// IsBarrier reports whether m is a synchronization barrier.
func (m *Message) IsBarrier() bool { return m.Task == nil }

func (m *Message) String() string {
	if m == nil {
		return "<none>"
	}
	if m.IsBarrier() {
		return fmt.Sprintf("{barrier=%d when=%s}", m.barrierID, m.When.Format(time.StampMilli))
	}
	return fmt.Sprintf("{task=%s when=%s seq=%d}", m.Name, m.When.Format(time.StampMilli), m.seq)
}

// messageHeap orders messages by due time, then by enqueue order.
type messageHeap []*Message

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].When.Equal(h[j].When) {
		return h[i].seq < h[j].seq
	}
	return h[i].When.Before(h[j].When)
}
func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	m := x.(*Message)
	m.index = len(*h)
	*h = append(*h, m)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil // avoid memory leak
	m.index = -1
	*h = old[:n-1]
	return m
}

func (h messageHeap) peek() *Message {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// MessageQueue is the time-ordered queue behind a Looper.
//
// Next is only called from the owning loop goroutine. Everything else,
// including Inspect, is safe from any goroutine.
type MessageQueue struct {
	mu          sync.Mutex
	pq          messageHeap
	nextSeq     uint64
	nextBarrier int
	quitting    bool
	wakeup      chan struct{}
	timer       *time.Timer
}

func NewMessageQueue() *MessageQueue {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	q := &MessageQueue{
		pq:     make(messageHeap, 0),
		wakeup: make(chan struct{}, 1),
		timer:  timer,
	}
	heap.Init(&q.pq)
	return q
}

// Enqueue schedules task to be dispatched at when. Token may be nil; non-nil
// tokens must be comparable. Returns false if the queue is quitting.
func (q *MessageQueue) Enqueue(task Task, when time.Time, token any) bool {
	if task == nil {
		panic(Fatalf("MessageQueue: nil task"))
	}
	return q.push(&Message{When: when, Task: task, Token: token, Name: resolveTaskName(task, "")})
}

// EnqueueMessage schedules a pre-built message, keeping its Name.
func (q *MessageQueue) EnqueueMessage(m *Message) bool {
	if m.Task == nil {
		panic(Fatalf("MessageQueue: use PostSyncBarrier to enqueue barriers"))
	}
	if m.Name == "" {
		m.Name = resolveTaskName(m.Task, "")
	}
	return q.push(m)
}

func (q *MessageQueue) push(m *Message) bool {
	q.mu.Lock()
	if q.quitting {
		q.mu.Unlock()
		return false
	}
	q.nextSeq++
	m.seq = q.nextSeq
	heap.Push(&q.pq, m)
	head := m.index == 0
	q.mu.Unlock()

	if head {
		q.wake()
	}
	return true
}

// PostSyncBarrier inserts a barrier due at when and returns its id.
func (q *MessageQueue) PostSyncBarrier(when time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextBarrier++
	q.nextSeq++
	heap.Push(&q.pq, &Message{When: when, barrierID: q.nextBarrier, seq: q.nextSeq})
	return q.nextBarrier
}

// RemoveSyncBarrier removes the barrier with the given id.
func (q *MessageQueue) RemoveSyncBarrier(id int) bool {
	q.mu.Lock()
	removed := false
	for _, m := range q.pq {
		if m.IsBarrier() && m.barrierID == id {
			heap.Remove(&q.pq, m.index)
			removed = true
			break
		}
	}
	q.mu.Unlock()

	if removed {
		q.wake()
	}
	return removed
}

// RemoveByToken removes every pending task tagged with token and returns the count.
func (q *MessageQueue) RemoveByToken(token any) int {
	if token == nil {
		return 0
	}
	q.mu.Lock()
	kept := q.pq[:0]
	removed := 0
	for _, m := range q.pq {
		if !m.IsBarrier() && m.Token == token {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.pq); i++ {
		q.pq[i] = nil
	}
	q.pq = kept
	for i, m := range q.pq {
		m.index = i
	}
	heap.Init(&q.pq)
	q.mu.Unlock()

	if removed > 0 {
		q.wake()
	}
	return removed
}

// Next blocks until the head message is due and returns it. Barriers at the
// head block dispatch until removed. Returns false once the queue is quitting.
func (q *MessageQueue) Next() (*Message, bool) {
	for {
		q.mu.Lock()
		if q.quitting {
			q.mu.Unlock()
			return nil, false
		}

		wait := time.Duration(-1)
		if head := q.pq.peek(); head != nil && !head.IsBarrier() {
			now := time.Now()
			if !head.When.After(now) {
				heap.Pop(&q.pq)
				q.mu.Unlock()
				return head, true
			}
			wait = head.When.Sub(now)
		}
		q.mu.Unlock()

		if wait < 0 {
			<-q.wakeup
			continue
		}

		q.timer.Reset(wait)
		select {
		case <-q.timer.C:
		case <-q.wakeup:
			if !q.timer.Stop() {
				select {
				case <-q.timer.C:
				default:
				}
			}
		}
	}
}

// Inspect calls fn with the head message (nil when empty) and the current
// time while holding the queue lock. fn must not call back into q.
func (q *MessageQueue) Inspect(fn func(head *Message, now time.Time)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(q.pq.peek(), time.Now())
}

// Len returns the number of pending messages, barriers included.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

// Quit stops the queue. Pending messages are discarded and Next returns false.
func (q *MessageQueue) Quit() {
	q.mu.Lock()
	if q.quitting {
		q.mu.Unlock()
		return
	}
	q.quitting = true
	for i := range q.pq {
		q.pq[i] = nil
	}
	q.pq = q.pq[:0]
	q.mu.Unlock()

	q.wake()
}

// IsQuitting reports whether Quit has been called.
func (q *MessageQueue) IsQuitting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.quitting
}

func (q *MessageQueue) wake() {
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}
