package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-idlesync/core"
)

// LooperSnapshotProvider provides current looper stats snapshots.
type LooperSnapshotProvider interface {
	Stats() core.LooperStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// RegistrySnapshotProvider provides current idle registry stats snapshots.
type RegistrySnapshotProvider interface {
	Stats() core.RegistryStats
}

// SnapshotPoller periodically exports looper, pool and registry Stats()
// snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	mu         sync.RWMutex
	loopers    map[string]LooperSnapshotProvider
	pools      map[string]PoolSnapshotProvider
	registries map[string]RegistrySnapshotProvider

	looperPending       *prom.GaugeVec
	looperDispatched    *prom.GaugeVec
	looperPanics        *prom.GaugeVec
	looperInterrogating *prom.GaugeVec
	looperRunning       *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolDelayed *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	registryResources  *prom.GaugeVec
	registryBusy       *prom.GaugeVec
	registryPending    *prom.GaugeVec
	registryRaceChecks *prom.GaugeVec
	registryFixes      *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(namespace string, reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if namespace == "" {
		namespace = "idlesync"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string, labels ...string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}

	p := &SnapshotPoller{
		interval:   interval,
		loopers:    make(map[string]LooperSnapshotProvider),
		pools:      make(map[string]PoolSnapshotProvider),
		registries: make(map[string]RegistrySnapshotProvider),

		looperPending:       gauge("looper_pending", "Pending messages per looper.", "looper", "head"),
		looperDispatched:    gauge("looper_dispatched_total", "Looper dispatched message count snapshot.", "looper"),
		looperPanics:        gauge("looper_panics_total", "Looper recovered panic count snapshot.", "looper"),
		looperInterrogating: gauge("looper_interrogating", "Looper interrogation state (1=interrogating, 0=idle).", "looper"),
		looperRunning:       gauge("looper_running", "Looper running state (1=running, 0=stopped).", "looper"),

		poolQueued:  gauge("pool_queued", "Queued tasks per pool.", "pool"),
		poolActive:  gauge("pool_active", "Active tasks per pool.", "pool"),
		poolDelayed: gauge("pool_delayed", "Delayed tasks per pool.", "pool"),
		poolWorkers: gauge("pool_workers", "Worker count per pool.", "pool"),
		poolRunning: gauge("pool_running", "Pool running state (1=running, 0=stopped).", "pool"),

		registryResources:  gauge("registry_resources", "Registered idle resources per registry.", "registry"),
		registryBusy:       gauge("registry_busy_resources", "Busy idle resources per registry.", "registry"),
		registryPending:    gauge("registry_pending_callback", "Pending idle callback (1=pending, 0=none).", "registry"),
		registryRaceChecks: gauge("registry_race_checks_total", "Race checks queued snapshot.", "registry"),
		registryFixes:      gauge("registry_inconsistent_fixes_total", "Lenient inconsistency repairs snapshot.", "registry"),
	}

	for _, g := range []**prom.GaugeVec{
		&p.looperPending, &p.looperDispatched, &p.looperPanics, &p.looperInterrogating, &p.looperRunning,
		&p.poolQueued, &p.poolActive, &p.poolDelayed, &p.poolWorkers, &p.poolRunning,
		&p.registryResources, &p.registryBusy, &p.registryPending, &p.registryRaceChecks, &p.registryFixes,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddLooper adds or replaces a looper snapshot provider by name.
func (p *SnapshotPoller) AddLooper(name string, provider LooperSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.loopers[normalizeLabel(name, "looper")] = provider
	p.mu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.pools[normalizeLabel(name, "pool")] = provider
	p.mu.Unlock()
}

// AddRegistry adds or replaces a registry snapshot provider by name.
func (p *SnapshotPoller) AddRegistry(name string, provider RegistrySnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.registries[normalizeLabel(name, "registry")] = provider
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	cancel()
	<-done

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce refreshes every gauge from the current snapshots.
func (p *SnapshotPoller) CollectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.loopers {
		stats := provider.Stats()
		p.looperPending.DeletePartialMatch(prom.Labels{"looper": name})
		p.looperPending.WithLabelValues(name, stats.HeadState.String()).Set(float64(stats.Pending))
		p.looperDispatched.WithLabelValues(name).Set(float64(stats.Dispatched))
		p.looperPanics.WithLabelValues(name).Set(float64(stats.Panics))
		p.looperInterrogating.WithLabelValues(name).Set(boolGauge(stats.Interrogating))
		p.looperRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}

	for name, provider := range p.registries {
		stats := provider.Stats()
		p.registryResources.WithLabelValues(name).Set(float64(stats.Resources))
		p.registryBusy.WithLabelValues(name).Set(float64(stats.Busy))
		p.registryPending.WithLabelValues(name).Set(boolGauge(stats.PendingCallback))
		p.registryRaceChecks.WithLabelValues(name).Set(float64(stats.RaceChecksQueued))
		p.registryFixes.WithLabelValues(name).Set(float64(stats.InconsistentFixes))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
