package idlesync

import (
	"github.com/Swind/go-idlesync/controller"
	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

// Re-export commonly used types so most callers need only this package and
// the option packages.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskTraits defines task attributes (priority, blocking behavior, etc.)
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

// Looper runs the main thread's message queue.
type Looper = core.Looper

// Registry holds the registered idle resources.
type Registry = idling.Registry

// IdleResource is a source of asynchronous work the registry can observe.
type IdleResource = idling.IdleResource

// Policies is the live idling policy set.
type Policies = idling.Policies

// Controller runs the main looper until the application is idle.
type Controller = controller.Controller

// Priority constants
const (
	TaskPriorityBestEffort   TaskPriority = core.TaskPriorityBestEffort
	TaskPriorityUserVisible  TaskPriority = core.TaskPriorityUserVisible
	TaskPriorityUserBlocking TaskPriority = core.TaskPriorityUserBlocking
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsUserBlocking = core.TraitsUserBlocking
	TraitsBestEffort   = core.TraitsBestEffort
)

// NewLooper creates a looper. Call Start to run it on its own goroutine.
func NewLooper(name string, opts ...core.LooperOption) *Looper {
	return core.NewLooper(name, opts...)
}

// NewRegistry creates an idle resource registry homed on looper.
func NewRegistry(looper *Looper, opts ...idling.RegistryOption) *Registry {
	return idling.NewRegistry(looper, opts...)
}

// NewController creates a controller for looper. The registry must live on
// the same looper.
func NewController(looper *Looper, registry *Registry, opts ...controller.Option) *Controller {
	return controller.New(looper, registry, opts...)
}

// GetCurrentTaskRunner retrieves the current TaskRunner from context
var GetCurrentTaskRunner = core.GetCurrentTaskRunner
