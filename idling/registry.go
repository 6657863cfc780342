package idling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Swind/go-idlesync/core"
)

// Registry holds the registered idle resources and answers whether they are
// all idle.
//
// Registry state lives on a Looper. Register, Unregister, Sync and
// RegisterLooper run inline when called on that looper and are marshalled to
// it synchronously otherwise. AllResourcesAreIdle, BusyResources and
// NotifyWhenAllResourcesAreIdle must be called on the looper.
type Registry struct {
	name     string
	looper   *core.Looper
	policies *Policies
	logger   core.Logger
	metrics  core.Metrics
	tracer   *Tracer
	lenient  bool

	// loop only
	states   []*idlingState
	callback IdleNotificationCallback

	notifyGen core.Generation
	pending   atomic.Bool
	busy      atomic.Int64

	loopersMu sync.Mutex
	loopers   map[*core.Looper]*LooperResource

	snapshotMu sync.RWMutex
	snapshot   []IdleResource

	raceChecks atomic.Int64
	fixes      atomic.Int64
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithRegistryName(name string) RegistryOption {
	return func(r *Registry) { r.name = name }
}

func WithRegistryLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

func WithRegistryMetrics(metrics core.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = metrics }
}

// WithRegistryPolicies sets the policy set read for warning and error timeouts.
func WithRegistryPolicies(policies *Policies) RegistryOption {
	return func(r *Registry) { r.policies = policies }
}

// WithLenientRaceDetection makes the registry log and repair a resource that
// reports idle without having called its transition callback, instead of
// panicking with a ResourceInconsistencyError.
func WithLenientRaceDetection() RegistryOption {
	return func(r *Registry) { r.lenient = true }
}

// NewRegistry creates a registry homed on looper.
func NewRegistry(looper *core.Looper, opts ...RegistryOption) *Registry {
	r := &Registry{
		name:    "idling-registry",
		looper:  looper,
		loopers: make(map[*core.Looper]*LooperResource),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.policies == nil {
		r.policies = NewPolicies()
	}
	if r.logger == nil {
		r.logger = looper.Logger()
	}
	if r.metrics == nil {
		r.metrics = &core.NilMetrics{}
	}
	r.tracer = NewTracer(r.logger, r.metrics)
	return r
}

func (r *Registry) Name() string         { return r.name }
func (r *Registry) Looper() *core.Looper { return r.looper }
func (r *Registry) Policies() *Policies  { return r.policies }
func (r *Registry) Tracer() *Tracer      { return r.tracer }

// RegisterResources registers each resource. A resource whose name is
// already registered is rejected and logged. Returns true if all succeeded.
func (r *Registry) RegisterResources(resources ...IdleResource) bool {
	ok := true
	r.onLoop(func() { ok = r.register(resources) })
	return ok
}

// UnregisterResources unregisters resources by name. Unknown names are
// logged. Returns true if all were registered.
func (r *Registry) UnregisterResources(resources ...IdleResource) bool {
	ok := true
	r.onLoop(func() {
		ok = r.unregister(resources)
		r.maybeFireAllIdle()
	})
	return ok
}

// Sync makes the registered set exactly resources plus one looper resource
// per looper. A registered resource with a wanted name but a different
// instance is replaced. Within the batch the first of a duplicated name wins.
func (r *Registry) Sync(resources []IdleResource, loopers []*core.Looper) {
	r.onLoop(func() {
		var order []string
		wanted := make(map[string]IdleResource)
		add := func(res IdleResource) {
			name := res.Name()
			if prev, dup := wanted[name]; dup {
				r.logDuplicate(res, prev)
				return
			}
			wanted[name] = res
			order = append(order, name)
		}
		for _, res := range resources {
			add(res)
		}
		for _, l := range loopers {
			add(r.LooperResource(l))
		}

		var stale []IdleResource
		for _, st := range r.states {
			name := st.resource.Name()
			want, keep := wanted[name]
			switch {
			case !keep:
				stale = append(stale, st.resource)
			case want != st.resource:
				stale = append(stale, st.resource)
			default:
				delete(wanted, name)
			}
		}

		var fresh []IdleResource
		for _, name := range order {
			if res, ok := wanted[name]; ok {
				fresh = append(fresh, res)
			}
		}

		r.unregister(stale)
		r.register(fresh)
		r.maybeFireAllIdle()
	})
}

// RegisterLooper registers the looper resource for l. l must not be the
// registry's own looper.
func (r *Registry) RegisterLooper(l *core.Looper) bool {
	if l == r.looper {
		panic(core.Fatalf("Registry %q: cannot register its own looper %q", r.name, l.Name()))
	}
	return r.RegisterResources(r.LooperResource(l))
}

// LooperResource returns the idle resource for l, creating it (and starting
// its interrogation on l) the first time.
func (r *Registry) LooperResource(l *core.Looper) *LooperResource {
	r.loopersMu.Lock()
	defer r.loopersMu.Unlock()

	if lr, ok := r.loopers[l]; ok {
		return lr
	}
	lr := newLooperResource(l)
	r.loopers[l] = lr
	return lr
}

// Resources returns the registered resources. Safe from any goroutine.
func (r *Registry) Resources() []IdleResource {
	r.snapshotMu.RLock()
	defer r.snapshotMu.RUnlock()
	return append([]IdleResource(nil), r.snapshot...)
}

// AllResourcesAreIdle reports whether every resource is idle. Resources
// believed idle are polled again; busy ones must report through their
// transition callback.
func (r *Registry) AllResourcesAreIdle() bool {
	r.checkOnLoop("AllResourcesAreIdle")
	for _, st := range r.states {
		if st.idle {
			st.setIdle(st.resource.IsIdleNow())
		}
		if !st.idle {
			return false
		}
	}
	r.logger.Debug("all idling resources are idle", core.F("registry", r.name))
	return true
}

// NotifyWhenAllResourcesAreIdle calls cb.AllResourcesIdle once every resource
// is idle, synchronously if they already are. While waiting, cb receives
// warnings per the dynamic warning policy and a timeout per the dynamic
// error policy. Only one callback may be pending.
func (r *Registry) NotifyWhenAllResourcesAreIdle(cb IdleNotificationCallback) {
	r.checkOnLoop("NotifyWhenAllResourcesAreIdle")
	if cb == nil {
		panic(core.Fatalf("Registry %q: nil notification callback", r.name))
	}
	if r.callback != nil {
		panic(core.Fatalf("Registry %q: callback has already been registered", r.name))
	}

	if r.AllResourcesAreIdle() {
		cb.AllResourcesIdle()
		return
	}
	r.callback = cb
	r.pending.Store(true)
	r.scheduleTimeouts()
}

// CancelIdleMonitor drops the pending callback and its timeouts.
func (r *Registry) CancelIdleMonitor() {
	r.onLoop(r.deregister)
}

// BusyResources returns the names of busy resources. ok is false when a
// resource reports idle without having announced it; a race check is then
// queued on the looper and the caller should ask again later.
func (r *Registry) BusyResources() (busy []string, ok bool) {
	r.checkOnLoop("BusyResources")

	var racy []*idlingState
	for _, st := range r.states {
		if st.idle {
			continue
		}
		if st.resource.IsIdleNow() {
			racy = append(racy, st)
		} else {
			busy = append(busy, st.resource.Name())
		}
	}

	if len(racy) > 0 {
		r.raceChecks.Add(1)
		r.looper.PostNamed("idling.race-check", func(context.Context) {
			r.handleRaceCondition(racy)
		}, time.Now(), r.currentToken())
		return nil, false
	}
	return busy, true
}

// AsIdleNotifier adapts the registry for the controller.
func (r *Registry) AsIdleNotifier() IdleNotifier[IdleNotificationCallback] {
	return registryNotifier{r}
}

// Stats returns a snapshot for the metrics poller. Safe from any goroutine.
func (r *Registry) Stats() core.RegistryStats {
	r.snapshotMu.RLock()
	n := len(r.snapshot)
	r.snapshotMu.RUnlock()

	return core.RegistryStats{
		Name:              r.name,
		Resources:         n,
		Busy:              int(r.busy.Load()),
		PendingCallback:   r.pending.Load(),
		NotifyGeneration:  r.notifyGen.Load(),
		RaceChecksQueued:  r.raceChecks.Load(),
		InconsistentFixes: r.fixes.Load(),
	}
}

type registryNotifier struct{ r *Registry }

func (n registryNotifier) IsIdleNow() bool { return n.r.AllResourcesAreIdle() }
func (n registryNotifier) RegisterNotificationCallback(cb IdleNotificationCallback) {
	n.r.NotifyWhenAllResourcesAreIdle(cb)
}
func (n registryNotifier) CancelCallback() { n.r.CancelIdleMonitor() }

// =============================================================================
// Loop-side handling
// =============================================================================

func (r *Registry) register(resources []IdleResource) bool {
	all := true
	for _, res := range resources {
		if res == nil {
			panic(core.Fatalf("Registry %q: nil resource", r.name))
		}
		if prev := r.find(res.Name()); prev != nil {
			r.logDuplicate(res, prev.resource)
			all = false
			continue
		}
		st := &idlingState{resource: res, registry: r}
		r.states = append(r.states, st)
		st.registerSelf()
		r.logger.Debug("resource registered", core.F("registry", r.name), core.F("resource", res.Name()))
	}
	r.publish()
	return all
}

func (r *Registry) unregister(resources []IdleResource) bool {
	all := true
	for _, res := range resources {
		idx := r.indexOf(res.Name())
		if idx < 0 {
			all = false
			r.logger.Error("attempted to unregister resource that is not registered",
				core.F("registry", r.name),
				core.F("resource", res.Name()),
				core.F("error", ErrUnknownResource),
				core.F("registered", r.names()),
			)
			continue
		}
		st := r.states[idx]
		st.closeSpan()
		r.states = append(r.states[:idx], r.states[idx+1:]...)
	}
	r.publish()
	return all
}

// maybeFireAllIdle completes a pending wait whose last busy resource was
// unregistered.
func (r *Registry) maybeFireAllIdle() {
	if r.callback != nil && r.allMarkedIdle() {
		r.fireAllIdle()
	}
}

func (r *Registry) handleResourceIdled(st *idlingState) {
	st.setIdle(true)
	if idx := r.indexOf(st.resource.Name()); idx < 0 || r.states[idx] != st {
		r.logger.Info("ignoring idle transition from unregistered resource",
			core.F("registry", r.name), core.F("resource", st.resource.Name()))
		return
	}
	r.maybeFireAllIdle()
}

func (r *Registry) handleTimeoutWarning(gen uint64) {
	if gen != r.notifyGen.Load() || r.callback == nil {
		return
	}
	busy, ok := r.BusyResources()
	if !ok {
		r.postTimeout("idling.warning", r.handleTimeoutWarning, time.Now())
		return
	}
	r.callback.ResourcesStillBusyWarning(busy)
	r.postTimeout("idling.warning", r.handleTimeoutWarning, time.Now().Add(r.policies.DynamicWarning().Timeout))
}

func (r *Registry) handleTimeout(gen uint64) {
	if gen != r.notifyGen.Load() || r.callback == nil {
		return
	}
	busy, ok := r.BusyResources()
	if !ok {
		r.postTimeout("idling.timeout", r.handleTimeout, time.Now())
		return
	}
	cb := r.callback
	r.deregister()
	cb.ResourcesHaveTimedOut(busy)
}

func (r *Registry) handleRaceCondition(racy []*idlingState) {
	for _, st := range racy {
		if st.idle || r.indexOf(st.resource.Name()) < 0 {
			continue
		}
		if !r.lenient {
			panic(&ResourceInconsistencyError{Resource: st.resource.Name()})
		}
		r.fixes.Add(1)
		r.logger.Error("resource reported idle without calling its transition callback, marking it idle",
			core.F("registry", r.name),
			core.F("resource", st.resource.Name()),
		)
		r.handleResourceIdled(st)
	}
}

func (r *Registry) fireAllIdle() {
	cb := r.callback
	r.deregister()
	cb.AllResourcesIdle()
}

func (r *Registry) scheduleTimeouts() {
	now := time.Now()
	r.postTimeout("idling.warning", r.handleTimeoutWarning, now.Add(r.policies.DynamicWarning().Timeout))
	r.postTimeout("idling.timeout", r.handleTimeout, now.Add(r.policies.DynamicError().Timeout))
}

func (r *Registry) postTimeout(name string, handler func(gen uint64), when time.Time) {
	gen := r.notifyGen.Load()
	r.looper.PostNamed(name, func(context.Context) { handler(gen) }, when, r.notifyGen.Token(gen))
}

// deregister clears the pending callback and every message tagged for it.
func (r *Registry) deregister() {
	r.looper.RemoveTasksWithToken(r.currentToken())
	r.notifyGen.Advance()
	r.callback = nil
	r.pending.Store(false)
}

func (r *Registry) currentToken() core.GenerationToken {
	return r.notifyGen.Token(r.notifyGen.Load())
}

func (r *Registry) allMarkedIdle() bool {
	for _, st := range r.states {
		if !st.idle {
			return false
		}
	}
	return true
}

func (r *Registry) find(name string) *idlingState {
	if idx := r.indexOf(name); idx >= 0 {
		return r.states[idx]
	}
	return nil
}

func (r *Registry) indexOf(name string) int {
	for i, st := range r.states {
		if st.resource.Name() == name {
			return i
		}
	}
	return -1
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.states))
	for _, st := range r.states {
		names = append(names, st.resource.Name())
	}
	return names
}

func (r *Registry) publish() {
	snapshot := make([]IdleResource, 0, len(r.states))
	for _, st := range r.states {
		snapshot = append(snapshot, st.resource)
	}
	r.snapshotMu.Lock()
	r.snapshot = snapshot
	r.snapshotMu.Unlock()
}

func (r *Registry) logDuplicate(newRes, oldRes IdleResource) {
	r.logger.Error("duplicate resource registration ignored",
		core.F("registry", r.name),
		core.F("resource", newRes.Name()),
		core.F("error", ErrDuplicateResource),
		core.F("new", fmt.Sprintf("%T@%p", newRes, newRes)),
		core.F("existing", fmt.Sprintf("%T@%p", oldRes, oldRes)),
	)
}

func (r *Registry) onLoop(fn func()) {
	if r.looper.IsCurrent() {
		fn()
		return
	}
	if !r.looper.IsRunning() {
		panic(core.Fatalf("Registry %q: looper %q is not running", r.name, r.looper.Name()))
	}
	if err := r.looper.RunSync(context.Background(), fn); err != nil {
		panic(core.Fatalf("Registry %q: looper %q unavailable: %v", r.name, r.looper.Name(), err))
	}
}

func (r *Registry) checkOnLoop(op string) {
	if !r.looper.IsCurrent() {
		panic(core.Fatalf("Registry %q: %s must be called on looper %q", r.name, op, r.looper.Name()))
	}
}

// =============================================================================
// idlingState
// =============================================================================

// idlingState is the registry's view of one resource. Loop only.
type idlingState struct {
	resource IdleResource
	registry *Registry
	idle     bool
	span     *Span
}

func (st *idlingState) registerSelf() {
	st.resource.RegisterIdleTransitionCallback(st.onTransitionToIdle)
	st.setIdle(st.resource.IsIdleNow())
}

// onTransitionToIdle is handed to the resource; it may run on any goroutine.
func (st *idlingState) onTransitionToIdle() {
	r := st.registry
	r.looper.PostNamed("idling.resource-idle", func(context.Context) {
		r.handleResourceIdled(st)
	}, time.Now(), nil)
}

func (st *idlingState) setIdle(idle bool) {
	switch {
	case !idle && st.span == nil:
		st.span = st.registry.tracer.BeginSpan(st.resource.Name())
		st.registry.busy.Add(1)
	case idle && st.span != nil:
		st.span.End()
		st.span = nil
		st.registry.busy.Add(-1)
	}
	st.idle = idle
}

func (st *idlingState) closeSpan() {
	if st.span == nil {
		return
	}
	st.span.End()
	st.span = nil
	st.registry.busy.Add(-1)
	if !st.idle {
		st.registry.logger.Warn("closing span for resource that is not idle",
			core.F("registry", st.registry.name), core.F("resource", st.resource.Name()))
	}
}
