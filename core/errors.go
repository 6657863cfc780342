package core

import (
	"errors"
	"fmt"
)

var (
	// ErrLooperQuitting is returned when work is handed to a looper that is shutting down.
	ErrLooperQuitting = errors.New("looper is quitting")

	// ErrRunnerClosed is returned by runners that no longer accept tasks.
	ErrRunnerClosed = errors.New("runner is closed")
)

// FatalError is a panic value that runners re-raise after reporting it.
// Programmer errors and broken invariants panic with a FatalError so that a
// recovering dispatch loop cannot absorb them.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return e.Msg }

// Unrecoverable marks the value for IsUnrecoverable.
func (e *FatalError) Unrecoverable() bool { return true }

// Fatalf builds a FatalError; callers panic with the result.
func Fatalf(format string, args ...any) *FatalError {
	return &FatalError{Msg: fmt.Sprintf(format, args...)}
}

// IsUnrecoverable reports whether a recovered panic value must be re-raised.
func IsUnrecoverable(v any) bool {
	u, ok := v.(interface{ Unrecoverable() bool })
	return ok && u.Unrecoverable()
}
