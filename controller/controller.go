// Package controller drives a Looper until every registered source of
// asynchronous work is idle, and injects input events in lock step with it.
//
// A Controller is bound to one Looper. The Loop* and Inject* methods must be
// called on that looper's goroutine; LoopUntilIdle and LoopForAtLeast marshal
// onto it from anywhere else.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
)

// ErrInterrupted is returned by a wait that was cancelled with Interrupt.
var ErrInterrupted = errors.New("controller: wait interrupted")

// Controller waits for idleness on a Looper.
type Controller struct {
	looper   *core.Looper
	registry *idling.Registry
	policies *idling.Policies
	injector EventInjector
	injectEx *core.SingleThreadTaskRunner
	logger   core.Logger
	metrics  core.Metrics
	debugger core.DebuggerProbe

	generation core.Generation

	// loop only
	asyncIdle     idling.IdleNotifier[func()]
	compatIdle    idling.IdleNotifier[func()]
	dynamicIdle   idling.IdleNotifier[idling.IdleNotificationCallback]
	conditionSet  ConditionSet
	interrogation *mainThreadInterrogation
	pendingErr    error
}

// Option configures a Controller.
type Option func(*Controller)

// WithAsyncPool sets the primary worker pool to wait for.
func WithAsyncPool(n idling.IdleNotifier[func()]) Option {
	return func(c *Controller) { c.asyncIdle = n }
}

// WithCompatPool sets the secondary worker pool to wait for.
func WithCompatPool(n idling.IdleNotifier[func()]) Option {
	return func(c *Controller) { c.compatIdle = n }
}

func WithEventInjector(inj EventInjector) Option {
	return func(c *Controller) { c.injector = inj }
}

func WithLogger(logger core.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithMetrics(metrics core.Metrics) Option {
	return func(c *Controller) { c.metrics = metrics }
}

// WithDebuggerProbe overrides debugger detection.
func WithDebuggerProbe(probe core.DebuggerProbe) Option {
	return func(c *Controller) { c.debugger = probe }
}

// New creates a Controller for looper. registry may be nil, in which case no
// dynamic resources are waited for. A non-nil registry must live on looper,
// and its Policies are the ones every wait consults.
func New(looper *core.Looper, registry *idling.Registry, opts ...Option) *Controller {
	c := &Controller{
		looper:      looper,
		registry:    registry,
		logger:      looper.Logger(),
		metrics:     &core.NilMetrics{},
		debugger:    core.DebuggerAttached,
		asyncIdle:   idling.NewNoopNotifier[func()](),
		compatIdle:  idling.NewNoopNotifier[func()](),
		dynamicIdle: idling.NewNoopNotifier[idling.IdleNotificationCallback](),
		injector:    unsupportedInjector{},
		policies:    idling.NewPolicies(),
	}
	if registry != nil {
		if registry.Looper() != looper {
			panic(core.Fatalf("controller: registry %q lives on looper %q, not %q",
				registry.Name(), registry.Looper().Name(), looper.Name()))
		}
		c.dynamicIdle = registry.AsIdleNotifier()
		c.policies = registry.Policies()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.injectEx = core.NewSingleThreadTaskRunner(looper.Name()+"-injector", &core.DefaultPanicHandler{Logger: c.logger}, c.metrics)
	return c
}

// Looper returns the looper this controller drives.
func (c *Controller) Looper() *core.Looper { return c.looper }

// Policies returns the policy set consulted at the start of every wait. It is
// the registry's set when the controller has a registry.
func (c *Controller) Policies() *idling.Policies { return c.policies }

// Generation returns the current wait generation.
func (c *Controller) Generation() uint64 { return c.generation.Load() }

// Conditions returns the conditions signalled so far. Loop only.
func (c *Controller) Conditions() ConditionSet {
	c.checkOnLoop("Conditions")
	return c.conditionSet
}

// Close stops the injection executor.
func (c *Controller) Close() {
	c.injectEx.Stop()
}

// LoopMainThreadUntilIdle dispatches looper tasks until the async pool, the
// compat pool and the dynamic resources are all idle at the same time.
func (c *Controller) LoopMainThreadUntilIdle() error {
	c.checkOnLoop("LoopMainThreadUntilIdle")
	for {
		var conds ConditionSet
		if !c.asyncIdle.IsIdleNow() {
			c.asyncIdle.RegisterNotificationCallback(c.signaler(AsyncTasksHaveIdled))
			conds.Signal(AsyncTasksHaveIdled)
		}
		if !c.compatIdle.IsIdleNow() {
			c.compatIdle.RegisterNotificationCallback(c.signaler(CompatTasksHaveIdled))
			conds.Signal(CompatTasksHaveIdled)
		}
		if !c.dynamicIdle.IsIdleNow() {
			c.dynamicIdle.RegisterNotificationCallback(c.newDynamicCallback())
			conds.Signal(DynamicTasksHaveIdled)
		}

		err := c.loopUntil(conds)
		c.asyncIdle.CancelCallback()
		c.compatIdle.CancelCallback()
		c.dynamicIdle.CancelCallback()
		if err != nil {
			return err
		}

		if c.asyncIdle.IsIdleNow() && c.compatIdle.IsIdleNow() && c.dynamicIdle.IsIdleNow() {
			return nil
		}
	}
}

// LoopMainThreadForAtLeast dispatches looper tasks for at least d and then
// until idle.
func (c *Controller) LoopMainThreadForAtLeast(d time.Duration) error {
	c.checkOnLoop("LoopMainThreadForAtLeast")
	if c.interrogation != nil || c.conditionSet.Has(DelayHasPast) {
		panic(core.Fatalf("controller: recursion detected in LoopMainThreadForAtLeast"))
	}
	if d <= 0 {
		panic(core.Fatalf("controller: delay must be positive, got %v", d))
	}

	gen := c.generation.Load()
	c.looper.PostNamed("controller.delay", func(context.Context) {
		c.postSignal(DelayHasPast, gen)
	}, time.Now().Add(d), c.generation.Token(gen))

	if err := c.loopUntil(Conditions(DelayHasPast)); err != nil {
		return err
	}
	return c.LoopMainThreadUntilIdle()
}

// LoopUntilIdle runs LoopMainThreadUntilIdle on the looper. Cancelling ctx
// interrupts the wait.
func (c *Controller) LoopUntilIdle(ctx context.Context) error {
	return c.onLoop(ctx, c.LoopMainThreadUntilIdle)
}

// LoopForAtLeast runs LoopMainThreadForAtLeast on the looper.
func (c *Controller) LoopForAtLeast(ctx context.Context, d time.Duration) error {
	return c.onLoop(ctx, func() error { return c.LoopMainThreadForAtLeast(d) })
}

// Interrupt abandons the running wait, if any. Safe from any goroutine.
func (c *Controller) Interrupt() {
	c.looper.PostNamed("controller.interrupt", func(context.Context) {
		if c.interrogation == nil {
			return
		}
		c.interrogation.interrupt()
		c.looper.RemoveTasksWithToken(c.generation.Token(c.generation.Load()))
	}, time.Now(), nil)
}

func (c *Controller) onLoop(ctx context.Context, fn func() error) error {
	if c.looper.IsCurrent() {
		return fn()
	}
	var err error
	if runErr := c.looper.RunSync(ctx, func() { err = fn() }); runErr != nil {
		if ctx.Err() != nil {
			c.Interrupt()
		}
		return runErr
	}
	return err
}

// loopUntil dispatches until conds are all signalled or the master policy
// deadline passes.
func (c *Controller) loopUntil(conds ConditionSet) error {
	master := c.policies.Master()
	dynamicErr := c.policies.DynamicError()

	start := time.Now()
	gen := c.generation.Load()
	token := c.generation.Token(gen)
	c.interrogation = newMainThreadInterrogation(conds, &c.conditionSet, start.Add(master.Timeout), c.logger)
	defer func() {
		c.looper.RemoveTasksWithToken(token)
		c.generation.Advance()
		c.conditionSet.ResetAll(conds)
		c.interrogation = nil
		c.pendingErr = nil
	}()

	// Wakes the loop at the deadline when nothing else is queued.
	c.looper.PostNamed("controller.deadline", func(context.Context) {}, start.Add(master.Timeout), token)

	core.LoopAndInterrogate(c.looper, c.interrogation)

	it := c.interrogation
	c.metrics.RecordWaitDuration(c.looper.Name(), it.status.String(), time.Since(start))

	switch it.status {
	case statusCompleted:
		return c.pendingErr
	case statusInterrupted:
		c.logger.Warn("wait was interrupted", core.F("looper", c.looper.Name()), core.F("conditions", conds.String()))
		return ErrInterrupted
	}

	debuggerAttached := c.debugger()
	var unmet []string
	for _, cond := range conds.Each() {
		if c.conditionSet.Has(cond) {
			continue
		}
		name := cond.String()
		switch cond {
		case AsyncTasksHaveIdled:
			if master.ShouldDisable(debuggerAttached) {
				c.asyncIdle.CancelCallback()
				c.asyncIdle = idling.NewNoopNotifier[func()]()
				c.disabled("async")
			}
		case CompatTasksHaveIdled:
			if master.ShouldDisable(debuggerAttached) {
				c.compatIdle.CancelCallback()
				c.compatIdle = idling.NewNoopNotifier[func()]()
				c.disabled("compat")
			}
		case DynamicTasksHaveIdled:
			if dynamicErr.DisableOnTimeout || (debuggerAttached && !master.TimeoutIfDebuggerAttached) {
				c.dynamicIdle.CancelCallback()
				c.dynamicIdle = idling.NewNoopNotifier[idling.IdleNotificationCallback]()
				c.disabled("dynamic")
			}
			name = fmt.Sprintf("%s(busy resources=%s)", name, c.busyResources())
		}
		unmet = append(unmet, name)
	}
	if len(unmet) == 0 {
		unmet = append(unmet, fmt.Sprintf("MAIN_LOOPER_HAS_IDLED(last message: %s)", it.lastMessage))
	}

	msg := fmt.Sprintf("Looped for %d iterations over %v.", it.execCount, master.Timeout)
	c.metrics.RecordIdleTimeout("master", master.Action.String())
	if err := master.HandleTimeout(unmet, msg, c.logger); err != nil {
		return err
	}
	return c.pendingErr
}

func (c *Controller) disabled(source string) {
	c.logger.Warn("disabling idle source after timeout", core.F("source", source))
	c.metrics.RecordSourceDisabled(source)
}

func (c *Controller) busyResources() string {
	if c.registry == nil {
		return ""
	}
	busy, ok := c.registry.BusyResources()
	if !ok {
		return "<race check pending>"
	}
	return strings.Join(busy, ",")
}

// signaler returns a callback that signals cond for the current generation.
func (c *Controller) signaler(cond IdleCondition) func() {
	gen := c.generation.Load()
	return func() { c.postSignal(cond, gen) }
}

// postSignal may be called from any goroutine.
func (c *Controller) postSignal(cond IdleCondition, gen uint64) {
	c.looper.PostNamed("controller.signal("+cond.String()+")", func(context.Context) {
		c.handleSignal(cond, gen)
	}, time.Now(), nil)
}

func (c *Controller) handleSignal(cond IdleCondition, gen uint64) {
	current := c.generation.Load()
	if gen != current {
		c.logger.Warn("ignoring signal from previous generation",
			core.F("condition", cond.String()),
			core.F("generation", gen),
			core.F("current", current))
		c.metrics.RecordStaleSignal(cond.String())
		return
	}
	c.conditionSet.Signal(cond)
}

// deferError keeps a policy error raised inside a registry callback until
// the wait for gen returns.
func (c *Controller) deferError(gen uint64, err error) {
	if gen != c.generation.Load() || c.pendingErr != nil {
		return
	}
	c.pendingErr = err
}

func (c *Controller) checkOnLoop(op string) {
	if !c.looper.IsCurrent() {
		panic(core.Fatalf("controller: %s must be called on looper %q", op, c.looper.Name()))
	}
}

// dynamicCallback relays registry outcomes for one generation.
type dynamicCallback struct {
	c        *Controller
	gen      uint64
	warning  idling.IdlingPolicy
	errorPol idling.IdlingPolicy
}

func (c *Controller) newDynamicCallback() *dynamicCallback {
	return &dynamicCallback{
		c:        c,
		gen:      c.generation.Load(),
		warning:  c.policies.DynamicWarning(),
		errorPol: c.policies.DynamicError(),
	}
}

func (d *dynamicCallback) AllResourcesIdle() {
	d.c.postSignal(DynamicTasksHaveIdled, d.gen)
}

func (d *dynamicCallback) ResourcesStillBusyWarning(busy []string) {
	d.c.metrics.RecordIdleTimeout("dynamic_warning", d.warning.Action.String())
	if err := d.warning.HandleTimeout(busy, "IdlingResources are still busy!", d.c.logger); err != nil {
		d.c.deferError(d.gen, err)
		d.c.postSignal(DynamicTasksHaveIdled, d.gen)
	}
}

func (d *dynamicCallback) ResourcesHaveTimedOut(busy []string) {
	d.c.metrics.RecordIdleTimeout("dynamic", d.errorPol.Action.String())
	if err := d.errorPol.HandleTimeout(busy, "IdlingResources have timed out!", d.c.logger); err != nil {
		d.c.deferError(d.gen, err)
	}
	d.c.postSignal(DynamicTasksHaveIdled, d.gen)
}
