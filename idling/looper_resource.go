package idling

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Swind/go-idlesync/core"
)

// LooperResource reports a foreign Looper as idle when its queue has nothing
// due soon and it is not dispatching.
//
// It takes over the looper's dispatch with LoopAndInterrogate, so the looper
// must not be interrogated by anything else.
type LooperResource struct {
	name   string
	looper *core.Looper

	started atomic.Bool
	idle    atomic.Bool
	cb      atomic.Pointer[func()]
}

func newLooperResource(l *core.Looper) *LooperResource {
	lr := &LooperResource{
		name:   fmt.Sprintf("LooperIdlingResource-%d-%s", l.ID(), l.Name()),
		looper: l,
	}
	lr.idle.Store(true)
	l.PostTask(func(context.Context) {
		lr.started.Store(true)
		core.LoopAndInterrogate(l, lr)
	})
	return lr
}

func (lr *LooperResource) Name() string { return lr.name }

// IsIdleNow is false until the interrogation has started. Once the looper
// looks idle, the queue is peeked once more for work that arrived while the
// loop goroutine was waking up.
func (lr *LooperResource) IsIdleNow() bool {
	if !lr.started.Load() || !lr.idle.Load() {
		return false
	}
	var peek queueHasNewTasks
	core.PeekAtQueueState(lr.looper.Queue(), &peek)
	return !peek.hasTasks
}

func (lr *LooperResource) RegisterIdleTransitionCallback(callback func()) {
	lr.cb.Store(&callback)
}

func (lr *LooperResource) QueueEmpty() bool             { lr.transitionToIdle(); return true }
func (lr *LooperResource) TaskDueLong() bool            { lr.transitionToIdle(); return true }
func (lr *LooperResource) TaskDueSoon() bool            { lr.idle.Store(false); return true }
func (lr *LooperResource) BarrierUp() bool              { lr.idle.Store(false); return true }
func (lr *LooperResource) BeforeTaskDispatch() bool     { lr.idle.Store(false); return true }
func (lr *LooperResource) SetLastMessage(*core.Message) {}
func (lr *LooperResource) Quitting()                    { lr.transitionToIdle() }

func (lr *LooperResource) transitionToIdle() {
	lr.idle.Store(true)
	if cb := lr.cb.Load(); cb != nil {
		(*cb)()
	}
}

// queueHasNewTasks records whether the peeked head needs dispatching soon.
type queueHasNewTasks struct {
	hasTasks bool
}

func (p *queueHasNewTasks) QueueEmpty() bool  { p.hasTasks = false; return false }
func (p *queueHasNewTasks) TaskDueLong() bool { p.hasTasks = false; return false }
func (p *queueHasNewTasks) TaskDueSoon() bool { p.hasTasks = true; return false }
func (p *queueHasNewTasks) BarrierUp() bool   { p.hasTasks = true; return false }
