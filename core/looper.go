package core

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Looper binds a dedicated goroutine to a MessageQueue and dispatches its
// messages one at a time.
//
// Unlike SingleThreadTaskRunner, a Looper's queue is time ordered, supports
// barriers and token removal, and can be re-entered: a task running on the
// looper may call LoopAndInterrogate to keep dispatching while it waits.
type Looper struct {
	id    uint64
	name  string
	queue *MessageQueue

	ctx    context.Context
	cancel context.CancelFunc
	runCtx context.Context

	goroutineID   atomic.Uint64
	started       atomic.Bool
	interrogating atomic.Bool
	ready         chan struct{}
	stopped       chan struct{}

	// depth is the dispatch nesting level; loop goroutine only.
	depth int

	dispatched atomic.Int64
	panics     atomic.Int64
	history    dispatchHistory

	panicHandler PanicHandler
	metrics      Metrics
	logger       Logger
}

var looperIDs atomic.Uint64

// LooperOption configures a Looper.
type LooperOption func(*Looper)

// WithLooperLogger sets the logger. Defaults to NewDefaultLogger.
func WithLooperLogger(logger Logger) LooperOption {
	return func(l *Looper) { l.logger = logger }
}

// WithLooperPanicHandler sets the handler for panicking tasks.
func WithLooperPanicHandler(h PanicHandler) LooperOption {
	return func(l *Looper) { l.panicHandler = h }
}

// WithLooperMetrics sets the metrics sink. Defaults to NilMetrics.
func WithLooperMetrics(m Metrics) LooperOption {
	return func(l *Looper) { l.metrics = m }
}

// NewLooper creates a Looper. Call Start to spawn its goroutine, or Run to
// turn the calling goroutine into the loop.
func NewLooper(name string, opts ...LooperOption) *Looper {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Looper{
		id:      looperIDs.Add(1),
		name:    name,
		queue:   NewMessageQueue(),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
		history: newDispatchHistory(defaultDispatchHistoryCapacity),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = NewDefaultLogger()
	}
	if l.panicHandler == nil {
		l.panicHandler = &DefaultPanicHandler{Logger: l.logger}
	}
	if l.metrics == nil {
		l.metrics = &NilMetrics{}
	}
	l.runCtx = context.WithValue(ctx, taskRunnerKey, l)
	return l
}

// ID returns a process-unique looper number.
func (l *Looper) ID() uint64 { return l.id }

// Name returns the looper name.
func (l *Looper) Name() string { return l.name }

// Queue returns the looper's message queue.
func (l *Looper) Queue() *MessageQueue { return l.queue }

// Logger returns the looper's logger.
func (l *Looper) Logger() Logger { return l.logger }

// Start spawns the loop goroutine and returns once it is bound.
func (l *Looper) Start() {
	if l.started.Load() {
		return
	}
	go l.Run()
	<-l.ready
}

// Run binds the calling goroutine to the looper and dispatches until Quit.
func (l *Looper) Run() {
	if !l.started.CompareAndSwap(false, true) {
		panic(Fatalf("Looper %q: Run called twice", l.name))
	}
	l.goroutineID.Store(getGoroutineID())
	close(l.ready)
	defer close(l.stopped)

	for {
		m, ok := l.queue.Next()
		if !ok {
			return
		}
		l.dispatch(m)
	}
}

// IsCurrent reports whether the caller is running on the loop goroutine.
func (l *Looper) IsCurrent() bool {
	id := l.goroutineID.Load()
	return id != 0 && id == getGoroutineID()
}

// IsRunning reports whether the loop goroutine is bound and not stopped.
func (l *Looper) IsRunning() bool {
	if !l.started.Load() {
		return false
	}
	select {
	case <-l.stopped:
		return false
	default:
		return !l.queue.IsQuitting()
	}
}

// Quit stops dispatching. Pending messages are dropped.
func (l *Looper) Quit() {
	l.queue.Quit()
	l.cancel()
}

// Join waits for the loop goroutine to exit. Returns immediately if the
// looper was never started.
func (l *Looper) Join() {
	if !l.started.Load() {
		return
	}
	<-l.stopped
}

// Stop quits and waits for the loop goroutine.
func (l *Looper) Stop() {
	l.Quit()
	if !l.IsCurrent() {
		l.Join()
	}
}

// PostTask enqueues task to run as soon as possible.
func (l *Looper) PostTask(task Task) {
	l.PostAtTime(task, time.Now(), nil)
}

// PostTaskWithTraits enqueues task. UserBlocking tasks jump to the front of
// the queue, ahead of barriers.
func (l *Looper) PostTaskWithTraits(task Task, traits TaskTraits) {
	if traits.Priority == TaskPriorityUserBlocking {
		l.PostAtTime(task, time.Time{}, nil)
		return
	}
	l.PostTask(task)
}

// PostDelayedTask enqueues task to run after delay.
func (l *Looper) PostDelayedTask(task Task, delay time.Duration) {
	l.PostAtTime(task, time.Now().Add(delay), nil)
}

// PostDelayedTaskWithTraits enqueues task to run after delay; traits are ignored.
func (l *Looper) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	l.PostDelayedTask(task, delay)
}

// PostAtTime enqueues task due at when, tagged with token (may be nil).
// Returns false if the looper is quitting.
func (l *Looper) PostAtTime(task Task, when time.Time, token any) bool {
	if !l.queue.Enqueue(task, when, token) {
		l.metrics.RecordTaskRejected(l.name, ErrLooperQuitting.Error())
		return false
	}
	return true
}

// PostNamed enqueues task due at when with an explicit diagnostic name.
func (l *Looper) PostNamed(name string, task Task, when time.Time, token any) bool {
	return l.queue.EnqueueMessage(&Message{When: when, Task: task, Token: token, Name: name})
}

// RemoveTasksWithToken drops every pending task tagged with token.
func (l *Looper) RemoveTasksWithToken(token any) int {
	return l.queue.RemoveByToken(token)
}

// PostSyncBarrier blocks dispatch of everything due from now on until the
// returned barrier is removed.
func (l *Looper) PostSyncBarrier() int {
	return l.queue.PostSyncBarrier(time.Now())
}

// RemoveSyncBarrier removes a barrier posted by PostSyncBarrier.
func (l *Looper) RemoveSyncBarrier(id int) bool {
	return l.queue.RemoveSyncBarrier(id)
}

// RunSync handoff states.
const (
	syncWaiting int32 = iota
	syncDelivered
	syncAbandoned
)

// RunSync runs fn on the loop goroutine and waits for it. Called on the loop
// it runs inline. A panic in fn is re-raised in the caller. If ctx ends first
// fn may still run later; a panic it raises then is re-raised on the loop and
// goes through the panic handler like any task panic.
func (l *Looper) RunSync(ctx context.Context, fn func()) error {
	if l.IsCurrent() {
		fn()
		return nil
	}

	var (
		done     = make(chan struct{})
		state    atomic.Int32
		panicked any
	)
	ok := l.PostAtTime(func(context.Context) {
		defer func() {
			rec := recover()
			if state.CompareAndSwap(syncWaiting, syncDelivered) {
				panicked = rec
				close(done)
				return
			}
			if rec != nil {
				panic(rec)
			}
		}()
		fn()
	}, time.Now(), nil)
	if !ok {
		return ErrLooperQuitting
	}

	abandon := func(err error) error {
		if state.CompareAndSwap(syncWaiting, syncAbandoned) {
			return err
		}
		<-done
		if panicked != nil {
			panic(panicked)
		}
		return nil
	}

	select {
	case <-done:
		if panicked != nil {
			panic(panicked)
		}
		return nil
	case <-l.stopped:
		return abandon(ErrLooperQuitting)
	case <-ctx.Done():
		return abandon(ctx.Err())
	}
}

// WaitIdle blocks until every task posted before the call has run.
func (l *Looper) WaitIdle(ctx context.Context) error {
	return l.RunSync(ctx, func() {})
}

// LastDispatch returns the most recent dispatch record.
func (l *Looper) LastDispatch() (DispatchRecord, bool) {
	return l.history.Last()
}

// RecentDispatches returns up to limit dispatch records, newest first.
func (l *Looper) RecentDispatches(limit int) []DispatchRecord {
	return l.history.Recent(limit)
}

// Stats returns a snapshot of the looper state.
func (l *Looper) Stats() LooperStats {
	stats := LooperStats{
		Name:          l.name,
		Pending:       l.queue.Len(),
		Dispatched:    l.dispatched.Load(),
		Panics:        l.panics.Load(),
		HeadState:     l.queue.State(),
		Interrogating: l.interrogating.Load(),
		Running:       l.IsRunning(),
		Quitting:      l.queue.IsQuitting(),
	}
	if last, ok := l.history.Last(); ok {
		stats.LastTaskName = last.Name
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// dispatch runs one message. Panics are reported and absorbed unless the
// value is unrecoverable; unrecoverable panics are reported once, by the
// outermost dispatch, and re-raised.
func (l *Looper) dispatch(m *Message) {
	startedAt := time.Now()
	nested := l.depth > 0
	l.depth++

	defer func() {
		rec := recover()
		l.depth--

		finishedAt := time.Now()
		l.dispatched.Add(1)
		l.history.Add(DispatchRecord{
			Seq:        m.seq,
			Name:       m.Name,
			Looper:     l.name,
			DueAt:      m.When,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
			Duration:   finishedAt.Sub(startedAt),
			Panicked:   rec != nil,
			Nested:     nested,
		})

		if rec == nil {
			return
		}
		if IsUnrecoverable(rec) && nested {
			panic(rec)
		}
		l.panics.Add(1)
		l.metrics.RecordTaskPanic(l.name, rec)
		l.panicHandler.HandlePanic(l.runCtx, l.name, -1, rec, debug.Stack())
		if IsUnrecoverable(rec) {
			panic(rec)
		}
	}()

	m.Task(l.runCtx)
}
