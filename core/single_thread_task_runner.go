package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SingleThreadTaskRunner binds a dedicated goroutine to execute tasks sequentially.
//
// It is the executor for work that must stay off a Looper while the looper
// keeps dispatching, such as event injection: the injecting goroutine may
// block until the looper has handled the event.
type SingleThreadTaskRunner struct {
	name      string
	workQueue chan Task

	ctx    context.Context
	cancel context.CancelFunc

	stopped chan struct{}
	once    sync.Once
	closed  atomic.Bool

	panicHandler PanicHandler
	metrics      Metrics
}

// NewSingleThreadTaskRunner creates and starts a runner named name.
// A nil panicHandler or metrics uses the defaults.
func NewSingleThreadTaskRunner(name string, panicHandler PanicHandler, metrics Metrics) *SingleThreadTaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	if panicHandler == nil {
		panicHandler = &DefaultPanicHandler{}
	}
	if metrics == nil {
		metrics = &NilMetrics{}
	}
	r := &SingleThreadTaskRunner{
		name:         name,
		workQueue:    make(chan Task, 100),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		panicHandler: panicHandler,
		metrics:      metrics,
	}

	go r.runLoop()
	return r
}

func (r *SingleThreadTaskRunner) Name() string { return r.name }

// PostTask submits a task for execution
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	r.PostTaskWithTraits(task, DefaultTaskTraits())
}

// PostTaskWithTraits submits a task; traits are ignored for single-threaded execution.
func (r *SingleThreadTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	if r.closed.Load() {
		r.metrics.RecordTaskRejected(r.name, ErrRunnerClosed.Error())
		return
	}

	select {
	case <-r.ctx.Done():
	case r.workQueue <- task:
	}
}

// PostDelayedTask submits a delayed task
func (r *SingleThreadTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits re-posts task through time.AfterFunc after delay.
func (r *SingleThreadTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if r.closed.Load() {
		return
	}
	time.AfterFunc(delay, func() {
		r.PostTaskWithTraits(task, traits)
	})
}

// IsClosed returns true if the runner has been stopped
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop stops the runner and waits for the running task to finish.
// Queued tasks that have not started are dropped.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.closed.Store(true)
		r.cancel()
		<-r.stopped
	})
}

// WaitIdle blocks until all tasks queued before the call have completed.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	if r.IsClosed() {
		return ErrRunnerClosed
	}

	done := make(chan struct{})
	r.PostTask(func(context.Context) { close(done) })

	select {
	case <-done:
		return nil
	case <-r.stopped:
		return ErrRunnerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SingleThreadTaskRunner) runLoop() {
	defer close(r.stopped)

	runCtx := context.WithValue(r.ctx, taskRunnerKey, r)
	for {
		select {
		case task := <-r.workQueue:
			r.runTask(runCtx, task)
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *SingleThreadTaskRunner) runTask(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.RecordTaskPanic(r.name, rec)
			r.panicHandler.HandlePanic(ctx, r.name, -1, rec, debug.Stack())
			if IsUnrecoverable(rec) {
				panic(rec)
			}
		}
	}()
	task(ctx)
}
