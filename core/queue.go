package core

import (
	"container/heap"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// TaskItem is a pool task waiting for a worker.
type TaskItem struct {
	Task   Task
	Traits TaskTraits
}

// TaskQueue is the backlog of a TaskScheduler.
type TaskQueue interface {
	Push(t Task, traits TaskTraits)
	Pop() (TaskItem, bool)
	PeekTraits() (TaskTraits, bool)
	Len() int
	// Clear drops every queued task and returns how many it dropped.
	Clear() int
}

// =============================================================================
// FIFOTaskQueue
// =============================================================================

// FIFOTaskQueue hands out tasks in submission order, ignoring priority.
type FIFOTaskQueue struct {
	mu    sync.Mutex
	tasks []TaskItem
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{tasks: make([]TaskItem, 0, defaultQueueCap)}
}

func (q *FIFOTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, TaskItem{Task: t, Traits: traits})
}

func (q *FIFOTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return TaskItem{}, false
	}
	item := q.tasks[0]
	q.tasks[0] = TaskItem{}
	q.tasks = q.tasks[1:]
	q.compactLocked()
	return item, true
}

// compactLocked reallocates once the live window is a small share of capacity,
// so the head slicing in Pop does not pin a large backing array.
func (q *FIFOTaskQueue) compactLocked() {
	n, c := len(q.tasks), cap(q.tasks)
	if c < compactMinCap || n*compactShrinkFactor >= c {
		return
	}
	compacted := make([]TaskItem, n, max(c/2, defaultQueueCap, n))
	copy(compacted, q.tasks)
	q.tasks = compacted
}

func (q *FIFOTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return TaskTraits{}, false
	}
	return q.tasks[0].Traits, true
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *FIFOTaskQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.tasks)
	q.tasks = make([]TaskItem, 0, defaultQueueCap)
	return dropped
}

// =============================================================================
// PriorityTaskQueue: highest priority first, FIFO within a priority
// =============================================================================

type priorityItem struct {
	TaskItem
	sequence uint64
	index    int
}

type priorityHeap []*priorityItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].Traits.Priority != h[j].Traits.Priority {
		return h[i].Traits.Priority > h[j].Traits.Priority
	}
	return h[i].sequence < h[j].sequence
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

type PriorityTaskQueue struct {
	mu           sync.Mutex
	pq           priorityHeap
	nextSequence uint64
}

func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{pq: make(priorityHeap, 0, defaultQueueCap)}
}

func (q *PriorityTaskQueue) Push(t Task, traits TaskTraits) {
	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.pq, &priorityItem{
		TaskItem: TaskItem{Task: t, Traits: traits},
		sequence: q.nextSequence,
	})
	q.nextSequence++
}

func (q *PriorityTaskQueue) Pop() (TaskItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskItem{}, false
	}
	return heap.Pop(&q.pq).(*priorityItem).TaskItem, true
}

func (q *PriorityTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pq) == 0 {
		return TaskTraits{}, false
	}
	return q.pq[0].Traits, true
}

func (q *PriorityTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pq)
}

func (q *PriorityTaskQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.pq)
	q.pq = make(priorityHeap, 0, defaultQueueCap)
	q.nextSequence = 0
	return dropped
}
