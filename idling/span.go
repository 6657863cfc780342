package idling

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Swind/go-idlesync/core"
)

// Tracer opens diagnostic spans covering the time a resource spends busy.
type Tracer struct {
	logger  core.Logger
	metrics core.Metrics
	open    atomic.Int64
}

func NewTracer(logger core.Logger, metrics core.Metrics) *Tracer {
	if logger == nil {
		logger = core.NewNoOpLogger()
	}
	if metrics == nil {
		metrics = &core.NilMetrics{}
	}
	return &Tracer{logger: logger, metrics: metrics}
}

// Span is one busy period of a resource.
type Span struct {
	ID       uuid.UUID
	Resource string
	Started  time.Time

	tracer *Tracer
	ended  atomic.Bool
}

// BeginSpan opens a span for resource.
func (t *Tracer) BeginSpan(resource string) *Span {
	t.open.Add(1)
	s := &Span{ID: uuid.New(), Resource: resource, Started: time.Now(), tracer: t}
	t.logger.Debug("span opened", core.F("span", s.ID.String()), core.F("resource", resource))
	return s
}

// OpenSpans returns how many spans are not yet ended.
func (t *Tracer) OpenSpans() int64 { return t.open.Load() }

// End closes the span and records its duration. Later calls return 0.
func (s *Span) End() time.Duration {
	if !s.ended.CompareAndSwap(false, true) {
		return 0
	}
	d := time.Since(s.Started)
	s.tracer.open.Add(-1)
	s.tracer.metrics.RecordResourceBusy(s.Resource, d)
	s.tracer.logger.Debug("span closed",
		core.F("span", s.ID.String()),
		core.F("resource", s.Resource),
		core.F("busy", d),
	)
	return d
}
