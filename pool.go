package idlesync

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

// GoroutineThreadPool manages a set of worker goroutines pulling from a
// TaskScheduler. It satisfies idling.WorkerPool, so a PoolMonitor can tell
// when it has gone quiet.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	runningMu sync.RWMutex
}

// NewGoroutineThreadPool creates a FIFO pool with default handlers.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewFIFOTaskScheduler(id, workers),
	}
}

// NewPriorityGoroutineThreadPool creates a pool that runs higher priority tasks first.
func NewPriorityGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewPriorityTaskScheduler(id, workers),
	}
}

// NewGoroutineThreadPoolWithConfig creates a priority pool with custom handlers.
func NewGoroutineThreadPoolWithConfig(id string, workers int, config *core.TaskSchedulerConfig) *GoroutineThreadPool {
	return &GoroutineThreadPool{
		id:        id,
		workers:   workers,
		scheduler: core.NewTaskSchedulerWithConfig(id, workers, core.NewPriorityTaskQueue(), config),
	}
}

// Start starts all worker goroutines
func (tg *GoroutineThreadPool) Start(ctx context.Context) {
	tg.runningMu.Lock()
	defer tg.runningMu.Unlock()

	if tg.running {
		return
	}

	tg.ctx, tg.cancel = context.WithCancel(ctx)
	tg.running = true

	for i := 0; i < tg.workers; i++ {
		tg.wg.Add(1)
		go tg.workerLoop(i, tg.ctx)
	}
}

// Stop stops the thread pool, dropping queued tasks.
func (tg *GoroutineThreadPool) Stop() {
	// Always shut the scheduler down so queued and delayed tasks are released,
	// even if the pool was never started.
	tg.scheduler.Shutdown()

	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return
	}
	tg.runningMu.Unlock()

	tg.cancel()
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()
}

// StopGraceful waits for queued tasks to complete before stopping workers.
// Returns error if timeout is exceeded before tasks complete
func (tg *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	tg.runningMu.Lock()
	if !tg.running {
		tg.runningMu.Unlock()
		return nil
	}
	tg.runningMu.Unlock()

	err := tg.scheduler.ShutdownGraceful(timeout)

	tg.cancel()
	tg.Join()

	tg.runningMu.Lock()
	tg.running = false
	tg.runningMu.Unlock()

	return err
}

// ID returns the ID of the thread pool
func (tg *GoroutineThreadPool) ID() string {
	return tg.id
}

// IsRunning returns whether the thread pool is running
func (tg *GoroutineThreadPool) IsRunning() bool {
	tg.runningMu.RLock()
	defer tg.runningMu.RUnlock()
	return tg.running
}

// workerLoop is the main loop for each worker
func (tg *GoroutineThreadPool) workerLoop(id int, ctx context.Context) {
	defer tg.wg.Done()
	stopCh := ctx.Done()

	for {
		task, ok := tg.scheduler.GetWork(stopCh)
		if !ok {
			return
		}
		tg.runTask(ctx, id, task)
	}
}

func (tg *GoroutineThreadPool) runTask(ctx context.Context, workerID int, task core.Task) {
	defer func() {
		tg.scheduler.OnTaskEnd()
		if r := recover(); r != nil {
			tg.scheduler.GetMetrics().RecordTaskPanic(tg.id, r)
			tg.scheduler.GetPanicHandler().HandlePanic(ctx, tg.id, workerID, r, debug.Stack())
		}
	}()
	task(ctx)
}

// Join waits for all worker goroutines to finish
func (tg *GoroutineThreadPool) Join() {
	tg.wg.Wait()
}

// WorkerCount returns the number of workers
func (tg *GoroutineThreadPool) WorkerCount() int {
	return tg.workers
}

func (tg *GoroutineThreadPool) QueuedTaskCount() int {
	return tg.scheduler.QueuedTaskCount()
}

func (tg *GoroutineThreadPool) ActiveTaskCount() int {
	return tg.scheduler.ActiveTaskCount()
}

func (tg *GoroutineThreadPool) DelayedTaskCount() int {
	return tg.scheduler.DelayedTaskCount()
}

func (tg *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) {
	tg.scheduler.PostInternal(task, traits)
}

func (tg *GoroutineThreadPool) PostDelayedInternal(task core.Task, delay time.Duration, traits core.TaskTraits) {
	tg.scheduler.PostDelayedInternal(task, delay, traits)
}

// PostTask posts task with default traits.
func (tg *GoroutineThreadPool) PostTask(task core.Task) {
	tg.scheduler.PostInternal(task, core.DefaultTaskTraits())
}

func (tg *GoroutineThreadPool) PostTaskWithTraits(task core.Task, traits core.TaskTraits) {
	tg.scheduler.PostInternal(task, traits)
}

func (tg *GoroutineThreadPool) PostDelayedTask(task core.Task, delay time.Duration) {
	tg.scheduler.PostDelayedInternal(task, delay, core.DefaultTaskTraits())
}

func (tg *GoroutineThreadPool) PostDelayedTaskWithTraits(task core.Task, delay time.Duration, traits core.TaskTraits) {
	tg.scheduler.PostDelayedInternal(task, delay, traits)
}

// IdleMonitor returns a PoolMonitor watching this pool.
func (tg *GoroutineThreadPool) IdleMonitor(opts ...idling.PoolMonitorOption) *idling.PoolMonitor {
	return idling.NewPoolMonitor(tg.id, tg, opts...)
}

// Stats returns a snapshot for the metrics poller.
func (tg *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      tg.id,
		Workers: tg.workers,
		Queued:  tg.QueuedTaskCount(),
		Active:  tg.ActiveTaskCount(),
		Delayed: tg.DelayedTaskCount(),
		Running: tg.IsRunning(),
	}
}
