package core

import "time"

// LookaheadWindow is how far ahead of now a queued task counts as due soon.
const LookaheadWindow = 15 * time.Millisecond

// QueueState classifies the head of a MessageQueue.
type QueueState int

const (
	// QueueEmpty: nothing is queued.
	QueueEmpty QueueState = iota
	// QueueBarrierUp: a synchronization barrier is at the head.
	QueueBarrierUp
	// QueueTaskDueSoon: the head task is due within LookaheadWindow, inclusive.
	QueueTaskDueSoon
	// QueueTaskDueLong: the head task is due later than LookaheadWindow.
	QueueTaskDueLong
)

func (s QueueState) String() string {
	switch s {
	case QueueEmpty:
		return "EMPTY"
	case QueueBarrierUp:
		return "BARRIER"
	case QueueTaskDueSoon:
		return "TASK_DUE_SOON"
	case QueueTaskDueLong:
		return "TASK_DUE_LONG"
	default:
		return "UNKNOWN"
	}
}

// ClassifyHead maps a queue head observed at now to a QueueState.
func ClassifyHead(head *Message, now time.Time) QueueState {
	switch {
	case head == nil:
		return QueueEmpty
	case head.IsBarrier():
		return QueueBarrierUp
	case !head.When.After(now.Add(LookaheadWindow)):
		return QueueTaskDueSoon
	default:
		return QueueTaskDueLong
	}
}

// State classifies the current head without consuming it.
func (q *MessageQueue) State() QueueState {
	state := QueueEmpty
	q.Inspect(func(head *Message, now time.Time) {
		state = ClassifyHead(head, now)
	})
	return state
}

// QueueInterrogationHandler is told what the queue head looks like. Each
// method returns whether the caller should keep dispatching.
type QueueInterrogationHandler interface {
	QueueEmpty() bool
	TaskDueSoon() bool
	TaskDueLong() bool
	BarrierUp() bool
}

// InterrogationHandler observes a LoopAndInterrogate session.
type InterrogationHandler interface {
	QueueInterrogationHandler

	// BeforeTaskDispatch is called before each dispatch. Returning false ends
	// the session after the message has been dispatched.
	BeforeTaskDispatch() bool

	// SetLastMessage records the message about to be dispatched.
	SetLastMessage(m *Message)

	// Quitting is called when the looper quits during the session.
	Quitting()
}

// LoopAndInterrogate dispatches l's messages on the calling goroutine,
// consulting h about the queue head before each dispatch, until h asks to
// stop or the looper quits.
//
// It must be called from l's loop goroutine (typically from inside a task)
// and cannot be nested.
func LoopAndInterrogate(l *Looper, h InterrogationHandler) {
	if !l.IsCurrent() {
		panic(Fatalf("Interrogator: calling goroutine is not the loop goroutine of %q", l.name))
	}
	if !l.interrogating.CompareAndSwap(false, true) {
		panic(Fatalf("Interrogator: already interrogating %q", l.name))
	}
	defer l.interrogating.Store(false)

	for interrogateQueueState(l.queue, h) {
		m, ok := l.queue.Next()
		if !ok {
			h.Quitting()
			return
		}

		keepGoing := h.BeforeTaskDispatch()
		h.SetLastMessage(m)
		l.dispatch(m)
		if !keepGoing {
			return
		}
	}
}

// PeekAtQueueState reports the current head of q to h once, without
// dispatching. h must not ask to continue. Safe from any goroutine.
func PeekAtQueueState(q *MessageQueue, h QueueInterrogationHandler) {
	if interrogateQueueState(q, h) {
		panic(Fatalf("Interrogator: %T asked to keep going after a single peek", h))
	}
}

// IsInterrogating reports whether a LoopAndInterrogate session is running on l.
func (l *Looper) IsInterrogating() bool {
	return l.interrogating.Load()
}

func interrogateQueueState(q *MessageQueue, h QueueInterrogationHandler) bool {
	var state QueueState
	q.Inspect(func(head *Message, now time.Time) {
		state = ClassifyHead(head, now)
	})

	switch state {
	case QueueEmpty:
		return h.QueueEmpty()
	case QueueBarrierUp:
		return h.BarrierUp()
	case QueueTaskDueSoon:
		return h.TaskDueSoon()
	default:
		return h.TaskDueLong()
	}
}
