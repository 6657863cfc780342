package idling

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPolicy is wrapped by policy validation failures.
	ErrInvalidPolicy = errors.New("invalid idling policy")

	// ErrDuplicateResource is logged when a resource name is already registered.
	ErrDuplicateResource = errors.New("resource name already registered")

	// ErrUnknownResource is logged when unregistering a resource that is not registered.
	ErrUnknownResource = errors.New("resource not registered")

	// ErrCounterIdle is returned by TryDecrement on a counter already at zero.
	ErrCounterIdle = errors.New("counter is already zero")
)

// AppNotIdleError reports the conditions that were still unmet when the
// master wait timed out.
type AppNotIdleError struct {
	Conditions []string
	Message    string
}

func (e *AppNotIdleError) Error() string {
	return fmt.Sprintf("app not idle: %s [%s]", e.Message, strings.Join(e.Conditions, ", "))
}

// IdlingResourceTimeoutError reports the resources still busy when the
// dynamic-resource error policy fired.
type IdlingResourceTimeoutError struct {
	BusyResources []string
}

func (e *IdlingResourceTimeoutError) Error() string {
	return fmt.Sprintf("idling resources timed out: %s", strings.Join(e.BusyResources, ", "))
}

// ResourceInconsistencyError is the panic value raised when a resource
// reported idle but never invoked its transition callback.
type ResourceInconsistencyError struct {
	Resource string
}

func (e *ResourceInconsistencyError) Error() string {
	return fmt.Sprintf("resource %q reported idle without calling its transition callback", e.Resource)
}

// Unrecoverable makes loopers re-raise this panic.
func (e *ResourceInconsistencyError) Unrecoverable() bool { return true }
