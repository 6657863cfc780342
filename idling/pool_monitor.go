package idling

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Swind/go-idlesync/core"
)

// WorkerPool is what a PoolMonitor needs to see inside a worker pool.
//
// ActiveTaskCount must count a task before QueuedTaskCount stops counting
// it, so no task is ever invisible to both.
type WorkerPool interface {
	QueuedTaskCount() int
	ActiveTaskCount() int
	WorkerCount() int
	PostInternal(task core.Task, traits core.TaskTraits)
}

// PoolMonitor decides whether a worker pool is idle and can notify once when
// it becomes idle.
//
// Idleness is proven by a rendezvous: one probe task per worker is submitted,
// and only when every worker is parked in a probe at the same time, with
// nothing left in the backlog, is the pool declared idle.
type PoolMonitor struct {
	name   string
	pool   WorkerPool
	logger core.Logger

	monitor             atomic.Pointer[idleMonitor]
	activeBarrierChecks atomic.Int64
}

// PoolMonitorOption configures a PoolMonitor.
type PoolMonitorOption func(*PoolMonitor)

// WithPoolMonitorLogger sets the logger. Defaults to NoOpLogger.
func WithPoolMonitorLogger(logger core.Logger) PoolMonitorOption {
	return func(m *PoolMonitor) { m.logger = logger }
}

func NewPoolMonitor(name string, pool WorkerPool, opts ...PoolMonitorOption) *PoolMonitor {
	m := &PoolMonitor{name: name, pool: pool}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = core.NewNoOpLogger()
	}
	return m
}

func (m *PoolMonitor) Name() string { return m.name }

// IsIdleNow reports whether the pool has no backlog and no running tasks.
// Probe tasks of a cancelled monitor that are still draining do not count.
func (m *PoolMonitor) IsIdleNow() bool {
	if m.pool.QueuedTaskCount() != 0 {
		return false
	}
	active := int64(m.pool.ActiveTaskCount())
	if active != 0 && m.monitor.Load() == nil {
		active -= m.activeBarrierChecks.Load()
	}
	return active == 0
}

// NotifyWhenIdle calls onIdle once the pool is idle, possibly synchronously.
// Only one notification may be pending at a time.
func (m *PoolMonitor) NotifyWhenIdle(onIdle func()) {
	if onIdle == nil {
		panic(core.Fatalf("PoolMonitor %q: nil idle callback", m.name))
	}
	im := &idleMonitor{owner: m, onIdle: onIdle}
	im.barrier = newCyclicBarrier(m.pool.WorkerCount(), im.onRendezvous)
	if !m.monitor.CompareAndSwap(nil, im) {
		panic(core.Fatalf("PoolMonitor %q: cannot monitor for idle recursively", m.name))
	}
	im.monitorForIdle()
}

// CancelIdleMonitor drops the pending notification. Probes already in the
// pool exit; a callback that is already running may still complete.
func (m *PoolMonitor) CancelIdleMonitor() {
	if im := m.monitor.Swap(nil); im != nil {
		im.poison()
	}
}

// AsIdleNotifier adapts the monitor for the controller.
func (m *PoolMonitor) AsIdleNotifier() IdleNotifier[func()] {
	return poolNotifier{m}
}

type poolNotifier struct{ m *PoolMonitor }

func (n poolNotifier) IsIdleNow() bool                        { return n.m.IsIdleNow() }
func (n poolNotifier) RegisterNotificationCallback(cb func()) { n.m.NotifyWhenIdle(cb) }
func (n poolNotifier) CancelCallback()                        { n.m.CancelIdleMonitor() }

// idleMonitor is one NotifyWhenIdle registration.
type idleMonitor struct {
	owner    *PoolMonitor
	onIdle   func()
	barrier  *cyclicBarrier
	poisoned atomic.Bool

	// generation counts barrier restarts so racing probes reset it once.
	generation core.Generation
	restartMu  sync.Mutex
}

func (im *idleMonitor) monitorForIdle() {
	if im.poisoned.Load() {
		return
	}
	if im.owner.IsIdleNow() {
		im.fire()
		return
	}

	workers := im.owner.pool.WorkerCount()
	im.owner.logger.Debug("submitting idle probes", core.F("pool", im.owner.name), core.F("probes", workers))
	for range workers {
		im.owner.pool.PostInternal(im.probe, core.TraitsBestEffort())
	}
}

// probe parks a worker on the barrier until every worker has done the same.
func (im *idleMonitor) probe(ctx context.Context) {
	for !im.poisoned.Load() {
		im.owner.activeBarrierChecks.Add(1)
		gen := im.generation.Load()
		err := im.barrier.Await()
		im.owner.activeBarrierChecks.Add(-1)
		if err == nil {
			return
		}
		im.restart(gen)
	}
}

// onRendezvous runs when every worker holds a probe.
func (im *idleMonitor) onRendezvous() {
	if im.poisoned.Load() {
		return
	}
	if im.owner.pool.QueuedTaskCount() == 0 {
		im.fire()
		return
	}
	im.monitorForIdle()
}

func (im *idleMonitor) fire() {
	im.owner.monitor.CompareAndSwap(im, nil)
	im.onIdle()
}

// restart resets a broken barrier once per generation, however many probes
// observed the break. A poisoned barrier stays broken.
func (im *idleMonitor) restart(fromGeneration uint64) {
	im.restartMu.Lock()
	defer im.restartMu.Unlock()
	if im.poisoned.Load() {
		return
	}
	if im.generation.AdvanceFrom(fromGeneration) {
		im.barrier.Reset()
	}
}

// poison breaks the barrier for good so every probe, parked or not yet
// arrived, falls through and exits.
func (im *idleMonitor) poison() {
	im.restartMu.Lock()
	defer im.restartMu.Unlock()
	im.poisoned.Store(true)
	im.barrier.Break()
}
