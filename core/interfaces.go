package core

import (
	"context"
	"time"
)

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (may contain task runner info)
	// - runnerName: The name of the looper, runner or pool where the panic occurred
	// - workerID: The ID of the worker (for thread pool workers, -1 for single-threaded runners)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through a Logger.
type DefaultPanicHandler struct {
	Logger Logger
}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Error("task panicked",
		F("runner", runnerName),
		F("worker", workerID),
		F("panic", panicInfo),
		F("stack", string(stackTrace)),
	)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics collects synchronization and scheduling metrics.
// Methods should be non-blocking and fast; they are called on the loop goroutine.
type Metrics interface {
	// RecordWaitDuration records one completed or abandoned wait.
	// outcome is "completed", "timed_out" or "interrupted".
	RecordWaitDuration(looper string, outcome string, duration time.Duration)

	// RecordIdleTimeout records a timeout handled by a policy.
	RecordIdleTimeout(source string, action string)

	// RecordStaleSignal records a signal discarded because its generation expired.
	RecordStaleSignal(condition string)

	// RecordResourceBusy records how long a resource stayed busy.
	RecordResourceBusy(resource string, duration time.Duration)

	// RecordSourceDisabled records an idle source replaced by a no-op after a timeout.
	RecordSourceDisabled(source string)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(runnerName string, panicInfo any)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(runnerName string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(runnerName string, reason string)
}

// NilMetrics provides a no-op metrics implementation.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordWaitDuration(looper string, outcome string, duration time.Duration) {}
func (m *NilMetrics) RecordIdleTimeout(source string, action string)                           {}
func (m *NilMetrics) RecordStaleSignal(condition string)                                       {}
func (m *NilMetrics) RecordResourceBusy(resource string, duration time.Duration)               {}
func (m *NilMetrics) RecordSourceDisabled(source string)                                       {}
func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any)                         {}
func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int)                            {}
func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string)                      {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a task is rejected by the scheduler,
// for example while it is shutting down.
type RejectedTaskHandler interface {
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at warn level.
type DefaultRejectedTaskHandler struct {
	Logger Logger
}

func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	logger := h.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	logger.Warn("task rejected", F("runner", runnerName), F("reason", reason))
}

// =============================================================================
// TaskSchedulerConfig: Configuration for TaskScheduler
// =============================================================================

// TaskSchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type TaskSchedulerConfig struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// Logger defaults to NewDefaultLogger.
	Logger Logger
}

// DefaultTaskSchedulerConfig returns a config with default handlers.
func DefaultTaskSchedulerConfig() *TaskSchedulerConfig {
	logger := NewDefaultLogger()
	return &TaskSchedulerConfig{
		PanicHandler:        &DefaultPanicHandler{Logger: logger},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	}
}
