package core

import (
	"context"
	"time"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, blocking behavior, etc.)
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: Lowest priority. Pool idle probes run at this
	// priority so application work drains ahead of them.
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: Highest priority
	TaskPriorityUserBlocking
)

type TaskTraits struct {
	Priority TaskPriority
	MayBlock bool
	Category string
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================

// TaskRunner is implemented by Looper and SingleThreadTaskRunner.
type TaskRunner interface {
	PostTask(task Task)
	PostTaskWithTraits(task Task, traits TaskTraits)
	PostDelayedTask(task Task, delay time.Duration)
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits)
}

// ThreadPool is the worker pool contract used by the task scheduler users.
type ThreadPool interface {
	PostInternal(task Task, traits TaskTraits)
	PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits)

	Start(ctx context.Context)
	Stop()
	ID() string
	IsRunning() bool

	WorkerCount() int
	QueuedTaskCount() int
	ActiveTaskCount() int
	DelayedTaskCount() int
}

// =============================================================================
// Context Helper
// =============================================================================
type taskRunnerKeyType struct{}

var taskRunnerKey taskRunnerKeyType

func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if v := ctx.Value(taskRunnerKey); v != nil {
		return v.(TaskRunner)
	}
	return nil
}

// GetCurrentLooper returns the Looper dispatching the task that owns ctx, or nil.
func GetCurrentLooper(ctx context.Context) *Looper {
	l, _ := GetCurrentTaskRunner(ctx).(*Looper)
	return l
}
