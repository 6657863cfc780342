// Package idling tracks the asynchronous work sources that must be quiet
// before a synchronization wait can complete: registered idle resources,
// worker pools, and the policies that bound how long to wait for them.
package idling

// IdleResource is a source of asynchronous work the registry can observe.
//
// Implementations must be comparable (pointer types) and must invoke the
// registered callback when they transition from busy to idle. The callback
// may be invoked from any goroutine.
type IdleResource interface {
	// Name identifies the resource. Names are unique within a registry.
	Name() string

	// IsIdleNow reports whether the resource is currently idle.
	IsIdleNow() bool

	// RegisterIdleTransitionCallback is called once, when the resource is registered.
	RegisterIdleTransitionCallback(callback func())
}

// IdleNotifier is a source that reports idleness and can notify once when it
// becomes idle. T is the callback type.
type IdleNotifier[T any] interface {
	IsIdleNow() bool
	RegisterNotificationCallback(callback T)
	CancelCallback()
}

// IdleNotificationCallback receives the outcome of a registry wait.
type IdleNotificationCallback interface {
	AllResourcesIdle()
	ResourcesStillBusyWarning(busy []string)
	ResourcesHaveTimedOut(busy []string)
}

// NoopNotifier is always idle and never calls back.
type NoopNotifier[T any] struct{}

// NewNoopNotifier returns a notifier that is always idle.
func NewNoopNotifier[T any]() IdleNotifier[T] {
	return NoopNotifier[T]{}
}

func (NoopNotifier[T]) IsIdleNow() bool                { return true }
func (NoopNotifier[T]) RegisterNotificationCallback(T) {}
func (NoopNotifier[T]) CancelCallback()                {}
