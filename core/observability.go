package core

import "time"

// DispatchRecord captures one message dispatched by a Looper.
type DispatchRecord struct {
	Seq        uint64
	Name       string
	Looper     string
	DueAt      time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
	Nested     bool
}

// LooperStats represents runtime observability state for a Looper.
type LooperStats struct {
	Name          string
	Pending       int
	Dispatched    int64
	Panics        int64
	HeadState     QueueState
	Interrogating bool
	Running       bool
	Quitting      bool
	LastTaskName  string
	LastTaskAt    time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Delayed int
	Running bool
}

// RegistryStats represents runtime observability state for an idle resource registry.
type RegistryStats struct {
	Name              string
	Resources         int
	Busy              int
	PendingCallback   bool
	NotifyGeneration  uint64
	RaceChecksQueued  int64
	InconsistentFixes int64
}
