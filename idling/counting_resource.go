package idling

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Swind/go-idlesync/core"
)

// CountingResource is idle while its counter is zero. Increment when work
// starts and Decrement when it ends.
type CountingResource struct {
	name   string
	debug  bool
	logger core.Logger

	counter      atomic.Int64
	cb           atomic.Pointer[func()]
	becameBusyAt atomic.Int64
	becameIdleAt atomic.Int64
}

// NewCountingResource creates a CountingResource. With debug set every
// counter change is logged.
func NewCountingResource(name string, debug bool, logger core.Logger) *CountingResource {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	return &CountingResource{name: name, debug: debug, logger: logger}
}

func (c *CountingResource) Name() string    { return c.name }
func (c *CountingResource) IsIdleNow() bool { return c.counter.Load() == 0 }

func (c *CountingResource) RegisterIdleTransitionCallback(callback func()) {
	c.cb.Store(&callback)
}

// Increment marks one more unit of work in flight.
func (c *CountingResource) Increment() {
	prev := c.counter.Add(1) - 1
	if prev == 0 {
		c.becameBusyAt.Store(time.Now().UnixNano())
	}
	if c.debug {
		c.logger.Info("counter increased", core.F("resource", c.name), core.F("count", prev+1))
	}
}

// Decrement marks one unit of work done. Going below zero is a programming
// error and panics.
func (c *CountingResource) Decrement() {
	count := c.counter.Add(-1)
	if count < 0 {
		panic(core.Fatalf("CountingResource %q: counter has been corrupted, count=%d", c.name, count))
	}
	c.decremented(count)
}

// TryDecrement marks one unit of work done unless the counter is already
// zero, in which case it returns ErrCounterIdle and leaves it untouched.
func (c *CountingResource) TryDecrement() error {
	for {
		cur := c.counter.Load()
		if cur <= 0 {
			return fmt.Errorf("%w: %s", ErrCounterIdle, c.name)
		}
		if c.counter.CompareAndSwap(cur, cur-1) {
			c.decremented(cur - 1)
			return nil
		}
	}
}

func (c *CountingResource) decremented(count int64) {
	if count == 0 {
		c.becameIdleAt.Store(time.Now().UnixNano())
		if cb := c.cb.Load(); cb != nil {
			(*cb)()
		}
	}
	if c.debug {
		c.logger.Info("counter decreased", core.F("resource", c.name), core.F("count", count))
	}
}

// Count returns the current counter value.
func (c *CountingResource) Count() int64 { return c.counter.Load() }

// DumpState logs the counter and the last busy and idle transition times.
func (c *CountingResource) DumpState() {
	c.logger.Info("counting resource state",
		core.F("resource", c.name),
		core.F("count", c.counter.Load()),
		core.F("became_busy_at", unixNanoOrZero(c.becameBusyAt.Load())),
		core.F("became_idle_at", unixNanoOrZero(c.becameIdleAt.Load())),
	)
}

func unixNanoOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
