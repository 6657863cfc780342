package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Swind/go-idlesync/core"
)

// ErrInjectionSecurity is returned by an injector that is not permitted to
// deliver an event to its target.
var ErrInjectionSecurity = errors.New("controller: event injection not permitted")

// ErrInjectionUnsupported is returned when no EventInjector was configured.
var ErrInjectionUnsupported = errors.New("controller: no event injector configured")

type KeyAction int

const (
	KeyDown KeyAction = iota
	KeyUp
)

type MotionAction int

const (
	MotionDown MotionAction = iota
	MotionMove
	MotionUp
	MotionCancel
)

// KeyEvent is a single key press or release.
type KeyEvent struct {
	Code   int
	Action KeyAction
	Time   time.Time
}

// MotionEvent is a single pointer event. Time is the intended delivery time.
type MotionEvent struct {
	X, Y   float64
	Action MotionAction
	Time   time.Time
}

// EventInjector delivers input events. Implementations run on a dedicated
// injection goroutine and may block; they must not call back into the
// Controller.
type EventInjector interface {
	InjectKeyEvent(ev KeyEvent) (bool, error)
	// InjectMotionEvent delivers ev. When sync is true it returns only after
	// the event has been consumed.
	InjectMotionEvent(ev MotionEvent, sync bool) (bool, error)
}

type unsupportedInjector struct{}

func (unsupportedInjector) InjectKeyEvent(KeyEvent) (bool, error) {
	return false, ErrInjectionUnsupported
}

func (unsupportedInjector) InjectMotionEvent(MotionEvent, bool) (bool, error) {
	return false, ErrInjectionUnsupported
}

// injection is the outcome of work submitted to the injection executor.
type injection struct {
	done chan struct{}
	ok   bool
	err  error
}

func (in *injection) result() (bool, error) {
	select {
	case <-in.done:
		return in.ok, in.err
	default:
		panic(core.Fatalf("controller: injection signalled before completing"))
	}
}

// submitInjection runs fn on the injection executor and signals cond for the
// current generation once it returns.
func (c *Controller) submitInjection(cond IdleCondition, fn func() (bool, error)) *injection {
	in := &injection{done: make(chan struct{})}
	gen := c.generation.Load()
	c.injectEx.PostTask(func(context.Context) {
		defer func() {
			if r := recover(); r != nil {
				in.ok, in.err = false, fmt.Errorf("controller: injector panicked: %v", r)
			}
			close(in.done)
			c.postSignal(cond, gen)
		}()
		in.ok, in.err = fn()
	})
	return in
}

// InjectKeyEvent waits for idle, injects ev and waits for the injection to
// finish. Loop only.
func (c *Controller) InjectKeyEvent(ev KeyEvent) (bool, error) {
	c.checkOnLoop("InjectKeyEvent")
	if err := c.LoopMainThreadUntilIdle(); err != nil {
		return false, err
	}
	in := c.submitInjection(KeyInjectHasCompleted, func() (bool, error) {
		return c.injector.InjectKeyEvent(ev)
	})
	if err := c.loopUntil(Conditions(KeyInjectHasCompleted)); err != nil {
		return false, err
	}
	return in.result()
}

// InjectMotionEvent injects ev synchronously and then waits for idle. Loop only.
func (c *Controller) InjectMotionEvent(ev MotionEvent) (bool, error) {
	c.checkOnLoop("InjectMotionEvent")
	in := c.submitInjection(MotionInjectionHasCompleted, func() (bool, error) {
		return c.injector.InjectMotionEvent(ev, true)
	})
	if err := c.loopUntil(Conditions(MotionInjectionHasCompleted)); err != nil {
		return false, err
	}
	return c.idleAfter(in.result())
}

// InjectMotionEventSequence replays events with their original spacing,
// shifted so the first one is delivered now. Every event but the last is
// injected asynchronously. Loop only.
func (c *Controller) InjectMotionEventSequence(events []MotionEvent) (bool, error) {
	c.checkOnLoop("InjectMotionEventSequence")
	if len(events) == 0 {
		panic(core.Fatalf("controller: expecting a non-empty motion event sequence"))
	}
	in := c.submitInjection(MotionInjectionHasCompleted, func() (bool, error) {
		shift := time.Since(events[0].Time)
		for i, ev := range events {
			if wait := time.Until(ev.Time.Add(shift)); wait > 0 {
				time.Sleep(wait)
			}
			last := i == len(events)-1
			ok, err := c.injector.InjectMotionEvent(ev, last)
			if err != nil || !ok {
				return ok, err
			}
		}
		return true, nil
	})
	if err := c.loopUntil(Conditions(MotionInjectionHasCompleted)); err != nil {
		return false, err
	}
	return c.idleAfter(in.result())
}

func (c *Controller) idleAfter(ok bool, err error) (bool, error) {
	if idleErr := c.LoopMainThreadUntilIdle(); err == nil && idleErr != nil {
		return false, idleErr
	}
	return ok, err
}
