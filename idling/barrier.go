package idling

import (
	"errors"
	"sync"
)

var errBarrierBroken = errors.New("barrier broken")

// barrierGeneration is one trip of a cyclicBarrier. done closes when the
// parties are released, either by the trip or by a break.
type barrierGeneration struct {
	done   chan struct{}
	broken bool
}

// cyclicBarrier releases parties goroutines together once all of them have
// called Await, running action first. It then resets for the next round.
type cyclicBarrier struct {
	parties int
	action  func()

	mu      sync.Mutex
	gen     *barrierGeneration
	waiting int
}

func newCyclicBarrier(parties int, action func()) *cyclicBarrier {
	if parties < 1 {
		parties = 1
	}
	return &cyclicBarrier{
		parties: parties,
		action:  action,
		gen:     &barrierGeneration{done: make(chan struct{})},
	}
}

// Await blocks until all parties arrive or the barrier is broken. The last
// party to arrive runs the action before anyone is released.
func (b *cyclicBarrier) Await() error {
	b.mu.Lock()
	g := b.gen
	if g.broken {
		b.mu.Unlock()
		return errBarrierBroken
	}

	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.gen = &barrierGeneration{done: make(chan struct{})}
		b.mu.Unlock()

		defer close(g.done)
		if b.action != nil {
			b.action()
		}
		return nil
	}
	b.mu.Unlock()

	<-g.done

	b.mu.Lock()
	defer b.mu.Unlock()
	if g.broken {
		return errBarrierBroken
	}
	return nil
}

// Reset breaks the current round, releasing its waiters with
// errBarrierBroken, and starts a fresh one.
func (b *cyclicBarrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.breakLocked()
	b.gen = &barrierGeneration{done: make(chan struct{})}
	b.waiting = 0
}

// Break breaks the current round without starting a new one.
func (b *cyclicBarrier) Break() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.breakLocked()
}

func (b *cyclicBarrier) breakLocked() {
	if b.gen.broken {
		return
	}
	b.gen.broken = true
	close(b.gen.done)
}

// Waiting returns the number of parties blocked in the current round.
func (b *cyclicBarrier) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiting
}
