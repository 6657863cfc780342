package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-idlesync/core"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	WaitBuckets []float64
	BusyBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	waitDurationSeconds *prom.HistogramVec
	idleTimeoutTotal    *prom.CounterVec
	staleSignalTotal    *prom.CounterVec
	resourceBusySeconds *prom.HistogramVec
	sourceDisabledTotal *prom.CounterVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "idlesync"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	waitBuckets := opts.WaitBuckets
	if len(waitBuckets) == 0 {
		waitBuckets = prom.ExponentialBuckets(0.001, 4, 9)
	}
	busyBuckets := opts.BusyBuckets
	if len(busyBuckets) == 0 {
		busyBuckets = prom.DefBuckets
	}

	waitVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "wait_duration_seconds",
		Help:      "Duration of synchronization waits in seconds.",
		Buckets:   waitBuckets,
	}, []string{"looper", "outcome"})
	timeoutVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "idle_timeout_total",
		Help:      "Total number of idling policy timeouts.",
	}, []string{"source", "action"})
	staleVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "stale_signal_total",
		Help:      "Total number of idle signals discarded after their wait ended.",
	}, []string{"condition"})
	busyVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "resource_busy_seconds",
		Help:      "Time idle resources spent busy in seconds.",
		Buckets:   busyBuckets,
	}, []string{"resource"})
	disabledVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "source_disabled_total",
		Help:      "Total number of idle sources disabled after a timeout.",
	}, []string{"source"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of task panics.",
	}, []string{"runner"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected tasks.",
	}, []string{"runner", "reason"})
	queueDepthVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current queue depth.",
	}, []string{"runner"})

	var err error
	if waitVec, err = registerCollector(reg, waitVec); err != nil {
		return nil, err
	}
	if timeoutVec, err = registerCollector(reg, timeoutVec); err != nil {
		return nil, err
	}
	if staleVec, err = registerCollector(reg, staleVec); err != nil {
		return nil, err
	}
	if busyVec, err = registerCollector(reg, busyVec); err != nil {
		return nil, err
	}
	if disabledVec, err = registerCollector(reg, disabledVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if queueDepthVec, err = registerCollector(reg, queueDepthVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		waitDurationSeconds: waitVec,
		idleTimeoutTotal:    timeoutVec,
		staleSignalTotal:    staleVec,
		resourceBusySeconds: busyVec,
		sourceDisabledTotal: disabledVec,
		taskPanicTotal:      panicVec,
		taskRejectedTotal:   rejectedVec,
		queueDepth:          queueDepthVec,
	}, nil
}

// RecordWaitDuration records one synchronization wait.
func (m *MetricsExporter) RecordWaitDuration(looper string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.waitDurationSeconds.WithLabelValues(normalizeLabel(looper, "unknown"), normalizeLabel(outcome, "unknown")).Observe(duration.Seconds())
}

// RecordIdleTimeout records a policy timeout.
func (m *MetricsExporter) RecordIdleTimeout(source string, action string) {
	if m == nil {
		return
	}
	m.idleTimeoutTotal.WithLabelValues(normalizeLabel(source, "unknown"), normalizeLabel(action, "unknown")).Inc()
}

// RecordStaleSignal records a discarded late signal.
func (m *MetricsExporter) RecordStaleSignal(condition string) {
	if m == nil {
		return
	}
	m.staleSignalTotal.WithLabelValues(normalizeLabel(condition, "unknown")).Inc()
}

// RecordResourceBusy records one busy period of a resource.
func (m *MetricsExporter) RecordResourceBusy(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.resourceBusySeconds.WithLabelValues(normalizeLabel(resource, "unknown")).Observe(duration.Seconds())
}

// RecordSourceDisabled records an idle source disabled after a timeout.
func (m *MetricsExporter) RecordSourceDisabled(source string) {
	if m == nil {
		return
	}
	m.sourceDisabledTotal.WithLabelValues(normalizeLabel(source, "unknown")).Inc()
}

// RecordTaskPanic records task panic events.
func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(runnerName, "unknown")).Inc()
}

// RecordQueueDepth records queue depth.
func (m *MetricsExporter) RecordQueueDepth(runnerName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(runnerName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(runnerName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(runnerName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
