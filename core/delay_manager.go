package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayedTask is a pool task held back until RunAt.
type DelayedTask struct {
	RunAt  time.Time
	Task   Task
	Traits TaskTraits
	index  int
}

type delayedTaskHeap []*DelayedTask

func (h delayedTaskHeap) Len() int           { return len(h) }
func (h delayedTaskHeap) Less(i, j int) bool { return h[i].RunAt.Before(h[j].RunAt) }
func (h delayedTaskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedTaskHeap) Push(x any) {
	item := x.(*DelayedTask)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayedTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// DelayManager releases delayed tasks into a sink once they are due.
//
// Delayed pool tasks are not part of the pool backlog: an idle probe treats a
// pool with only delayed work as idle, the same way a scheduled executor does.
type DelayManager struct {
	pq     delayedTaskHeap
	mu     sync.Mutex
	wakeup chan struct{}
	sink   func(task Task, traits TaskTraits)
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDelayManager starts a DelayManager that hands due tasks to sink.
func NewDelayManager(sink func(task Task, traits TaskTraits)) *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		pq:     make(delayedTaskHeap, 0),
		wakeup: make(chan struct{}, 1),
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
	go dm.loop()
	return dm
}

func (dm *DelayManager) AddDelayedTask(task Task, delay time.Duration, traits TaskTraits) {
	dm.mu.Lock()
	item := &DelayedTask{RunAt: time.Now().Add(delay), Task: task, Traits: traits}
	heap.Push(&dm.pq, item)
	head := item.index == 0
	dm.mu.Unlock()

	if head {
		select {
		case dm.wakeup <- struct{}{}:
		default:
		}
	}
}

func (dm *DelayManager) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		wait, pending := dm.nextWait()
		if !pending {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-dm.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			dm.releaseDue()
		case <-dm.wakeup:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

func (dm *DelayManager) nextWait() (time.Duration, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if len(dm.pq) == 0 {
		return 0, false
	}
	return max(time.Until(dm.pq[0].RunAt), 0), true
}

// releaseDue pops every due task and hands them to the sink outside the lock.
func (dm *DelayManager) releaseDue() {
	dm.mu.Lock()
	now := time.Now()
	var due []*DelayedTask
	for len(dm.pq) > 0 && !dm.pq[0].RunAt.After(now) {
		due = append(due, heap.Pop(&dm.pq).(*DelayedTask))
	}
	dm.mu.Unlock()

	for _, item := range due {
		dm.sink(item.Task, item.Traits)
	}
}

func (dm *DelayManager) Stop() {
	dm.cancel()

	dm.mu.Lock()
	dm.pq = make(delayedTaskHeap, 0)
	dm.mu.Unlock()
}

func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.pq)
}
