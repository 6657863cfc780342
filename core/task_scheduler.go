package core

import (
	"fmt"
	"sync/atomic"
	"time"
)

// TaskScheduler is the backlog and bookkeeping behind a worker pool.
//
// A task is counted as active before it leaves the backlog, so a reader that
// sees an empty backlog and then zero active tasks knows the pool is quiet.
type TaskScheduler struct {
	name        string
	queue       TaskQueue
	signal      chan struct{}
	workerCount int

	delayManager *DelayManager

	metricQueued atomic.Int32 // waiting in the backlog
	metricActive atomic.Int32 // claimed or executing on a worker

	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler
	logger              Logger

	shuttingDown atomic.Bool
}

func NewPriorityTaskScheduler(name string, workerCount int) *TaskScheduler {
	return NewTaskSchedulerWithConfig(name, workerCount, NewPriorityTaskQueue(), DefaultTaskSchedulerConfig())
}

func NewFIFOTaskScheduler(name string, workerCount int) *TaskScheduler {
	return NewTaskSchedulerWithConfig(name, workerCount, NewFIFOTaskQueue(), DefaultTaskSchedulerConfig())
}

// NewTaskSchedulerWithConfig builds a scheduler over queue. Nil config fields
// fall back to defaults.
func NewTaskSchedulerWithConfig(name string, workerCount int, queue TaskQueue, config *TaskSchedulerConfig) *TaskScheduler {
	if workerCount < 1 {
		panic(Fatalf("TaskScheduler %q: worker count must be positive, got %d", name, workerCount))
	}
	s := &TaskScheduler{
		name:        name,
		queue:       queue,
		signal:      make(chan struct{}, workerCount*2),
		workerCount: workerCount,
	}
	s.delayManager = NewDelayManager(s.PostInternal)

	if config != nil {
		s.panicHandler = config.PanicHandler
		s.metrics = config.Metrics
		s.rejectedTaskHandler = config.RejectedTaskHandler
		s.logger = config.Logger
	}
	if s.logger == nil {
		s.logger = NewDefaultLogger()
	}
	if s.panicHandler == nil {
		s.panicHandler = &DefaultPanicHandler{Logger: s.logger}
	}
	if s.metrics == nil {
		s.metrics = &NilMetrics{}
	}
	if s.rejectedTaskHandler == nil {
		s.rejectedTaskHandler = &DefaultRejectedTaskHandler{Logger: s.logger}
	}
	return s
}

// PostInternal adds task to the backlog.
func (s *TaskScheduler) PostInternal(task Task, traits TaskTraits) {
	if s.shuttingDown.Load() {
		s.rejectedTaskHandler.HandleRejectedTask(s.name, "shutting down")
		s.metrics.RecordTaskRejected(s.name, "shutting down")
		return
	}

	s.metricQueued.Add(1)
	s.queue.Push(task, traits)
	s.metrics.RecordQueueDepth(s.name, int(s.metricQueued.Load()))

	select {
	case s.signal <- struct{}{}:
	default:
		// Signal channel full, but task is already queued
	}
}

// PostDelayedInternal adds task to the backlog once delay has elapsed.
func (s *TaskScheduler) PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits) {
	if s.shuttingDown.Load() {
		return
	}
	s.delayManager.AddDelayedTask(task, delay, traits)
}

// GetWork blocks until a task is available or stopCh closes. The returned
// task is already counted active; the worker calls OnTaskEnd when it finishes.
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (Task, bool) {
	for {
		s.metricActive.Add(1)
		if item, ok := s.queue.Pop(); ok {
			s.metricQueued.Add(-1)
			return item.Task, true
		}
		s.metricActive.Add(-1)

		select {
		case <-s.signal:
			continue
		case <-stopCh:
			return nil, false
		}
	}
}

// OnTaskEnd releases the active slot claimed by GetWork.
func (s *TaskScheduler) OnTaskEnd() {
	s.metricActive.Add(-1)
}

func (s *TaskScheduler) Shutdown() {
	s.shuttingDown.Store(true)
	s.delayManager.Stop()

	s.metricQueued.Add(-int32(s.queue.Clear()))
}

// ShutdownGraceful waits for all queued and active tasks to complete
// Returns error if timeout is exceeded before tasks complete
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.shuttingDown.Store(true)
	s.delayManager.Stop()

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			dropped := s.queue.Clear()
			s.metricQueued.Add(-int32(dropped))
			return fmt.Errorf("shutdown graceful timeout after %v, dropped %d queued tasks", timeout, dropped)
		case <-ticker.C:
			if s.QueuedTaskCount() == 0 && s.ActiveTaskCount() == 0 {
				return nil
			}
		}
	}
}

func (s *TaskScheduler) Name() string          { return s.name }
func (s *TaskScheduler) WorkerCount() int      { return s.workerCount }
func (s *TaskScheduler) QueuedTaskCount() int  { return int(s.metricQueued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int  { return int(s.metricActive.Load()) }
func (s *TaskScheduler) DelayedTaskCount() int { return s.delayManager.TaskCount() }

func (s *TaskScheduler) GetPanicHandler() PanicHandler { return s.panicHandler }
func (s *TaskScheduler) GetMetrics() Metrics           { return s.metrics }
func (s *TaskScheduler) GetLogger() Logger             { return s.logger }
