package main

import (
	"context"
	"fmt"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	idlesync "github.com/Swind/go-idlesync"
	"github.com/Swind/go-idlesync/config"
	"github.com/Swind/go-idlesync/controller"
	"github.com/Swind/go-idlesync/core"
	"github.com/Swind/go-idlesync/idling"
	obs "github.com/Swind/go-idlesync/observability/prometheus"
)

// engine is one wired instance: main looper, async pool, registry and
// controller, all reporting to the same Prometheus registry.
type engine struct {
	logger   core.Logger
	policies *idling.Policies
	looper   *core.Looper
	pool     *idlesync.GoroutineThreadPool
	registry *idling.Registry
	ctrl     *controller.Controller

	promReg  *prom.Registry
	exporter *obs.MetricsExporter
	poller   *obs.SnapshotPoller

	cleanups []func()

	resourcesMu sync.Mutex
	resources   map[string]*idling.CountingResource
}

func newEngine(name string, cfg *config.Config, logger core.Logger) (*engine, error) {
	policies, err := cfg.NewPolicies()
	if err != nil {
		return nil, err
	}

	reg := prom.NewRegistry()
	exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, reg, obs.ExporterOptions{})
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	poller, err := obs.NewSnapshotPoller(cfg.Metrics.Namespace, reg, cfg.Metrics.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("snapshot poller: %w", err)
	}

	looper := core.NewLooper(name,
		core.WithLooperLogger(logger),
		core.WithLooperMetrics(exporter),
	)
	pool := idlesync.NewGoroutineThreadPoolWithConfig(name+"-async", 4, &core.TaskSchedulerConfig{
		PanicHandler:        &core.DefaultPanicHandler{Logger: logger},
		Metrics:             exporter,
		RejectedTaskHandler: &core.DefaultRejectedTaskHandler{Logger: logger},
		Logger:              logger,
	})

	regOpts := append(cfg.RegistryOptions(policies, logger), idling.WithRegistryMetrics(exporter))
	registry := idling.NewRegistry(looper, regOpts...)
	ctrl := controller.New(looper, registry,
		controller.WithAsyncPool(pool.IdleMonitor(idling.WithPoolMonitorLogger(logger)).AsIdleNotifier()),
		controller.WithLogger(logger),
		controller.WithMetrics(exporter),
	)

	poller.AddLooper(looper.Name(), looper)
	poller.AddPool(pool.ID(), pool)
	poller.AddRegistry(registry.Name(), registry)

	return &engine{
		logger:   logger,
		policies: policies,
		looper:   looper,
		pool:     pool,
		registry: registry,
		ctrl:     ctrl,
		promReg:  reg,
		exporter: exporter,
		poller:   poller,

		resources: make(map[string]*idling.CountingResource),
	}, nil
}

func (e *engine) start(ctx context.Context) {
	e.looper.Start()
	e.pool.Start(ctx)
	e.poller.Start(ctx)
}

// onStop registers fn to run when the engine stops, before the main looper.
func (e *engine) onStop(fn func()) {
	e.cleanups = append(e.cleanups, fn)
}

func (e *engine) stop() {
	for i := len(e.cleanups) - 1; i >= 0; i-- {
		e.cleanups[i]()
	}
	e.poller.Stop()
	e.ctrl.Close()
	e.pool.Stop()
	e.looper.Stop()
}
