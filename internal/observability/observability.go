// Package observability adapts the teacher's tracing/metrics package
// (internal/infra/observability) from AI-task-lifecycle tracing to HyParView
// protocol-event tracing: a Tracer that keeps spans in an in-memory ring
// buffer (no OTel SDK dependency, same design as the teacher) and serves
// them to internal/api's /debug/traces, plus the Prometheus
// gauges/counters/histograms the engine needs (SPEC_FULL §B.3). The engine
// reports only through the Metrics methods and does not start or end
// spans; the ring buffer holds only spans that a caller records with
// Tracer.StartSpan/EndSpan, and no code in this repository records any.
package observability

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hyparview/hyparview/internal/wire"
)

// ─── Spans ──────────────────────────────────────────────────────────────────

// SpanStatus indicates success/failure of a traced protocol event.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span represents one traced protocol event: an inbound message handled by
// the engine, or a shuffle round.
type Span struct {
	SpanID    string            `json:"span_id"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// Tracer stores recent spans in a ring buffer for inspection via
// internal/api's debug endpoints.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1_000)
}

// DefaultTracerConfig returns the default ring-buffer size for a single
// overlay node.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a new span for operation (e.g. "recv:JOIN", "shuffle").
func (t *Tracer) StartSpan(operation string, attrs map[string]string) *Span {
	if !t.enabled {
		return &Span{Operation: operation}
	}
	return &Span{
		SpanID:    generateID(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
}

// EndSpan completes a span and records it, marking it as an error span if
// err is non-nil.
func (t *Tracer) EndSpan(span *Span, err error) {
	if !t.enabled || span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)

	spansRecorded.Inc()
	if span.Status == SpanError {
		spanErrors.Inc()
	}
}

// Spans returns a copy of the most recent spans, at most limit of them (all
// of them if limit <= 0).
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

var spanCounter atomic.Int64

// generateID creates a short unique span id (not cryptographically secure —
// fine for tracing).
func generateID() string {
	n := spanCounter.Add(1)
	return fmt.Sprintf("%s-%d", time.Now().Format("20060102150405"), n)
}

// ─── Prometheus metrics ─────────────────────────────────────────────────────

var (
	activeViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hyparview",
		Subsystem: "view",
		Name:      "active_size",
		Help:      "Current number of peers in the active view.",
	})

	passiveViewSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hyparview",
		Subsystem: "view",
		Name:      "passive_size",
		Help:      "Current number of peers in the passive view.",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hyparview",
		Subsystem: "protocol",
		Name:      "messages_sent_total",
		Help:      "Total protocol messages sent, by type.",
	}, []string{"type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hyparview",
		Subsystem: "protocol",
		Name:      "messages_received_total",
		Help:      "Total protocol messages received, by type.",
	}, []string{"type"})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hyparview",
		Subsystem: "view",
		Name:      "evictions_total",
		Help:      "Total active-view evictions due to overflow.",
	})

	shuffleRoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hyparview",
		Subsystem: "shuffle",
		Name:      "round_duration_seconds",
		Help:      "Time to assemble one outbound SHUFFLE and hand it to the transport.",
		Buckets:   prometheus.DefBuckets,
	})

	joinLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hyparview",
		Subsystem: "join",
		Name:      "latency_seconds",
		Help:      "Time from JOIN send to the first JOIN_ACK or FORWARD_JOIN-derived active membership.",
		Buckets:   prometheus.DefBuckets,
	})

	spansRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hyparview",
		Subsystem: "traces",
		Name:      "spans_recorded_total",
		Help:      "Total trace spans recorded.",
	})

	spanErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hyparview",
		Subsystem: "traces",
		Name:      "error_spans_total",
		Help:      "Total trace spans with error status.",
	})
)

// Metrics implements membership.MetricsRecorder on top of the package-level
// Prometheus collectors above and a Tracer for span capture.
type Metrics struct {
	Tracer *Tracer
}

// New creates a Metrics recorder backed by a fresh Tracer.
func New(cfg TracerConfig) *Metrics {
	return &Metrics{Tracer: NewTracer(cfg)}
}

func (m *Metrics) ViewSizes(active, passive int) {
	activeViewSize.Set(float64(active))
	passiveViewSize.Set(float64(passive))
}

func (m *Metrics) MessageSent(t wire.Type) {
	messagesSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) MessageReceived(t wire.Type) {
	messagesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) Eviction() {
	evictions.Inc()
}

func (m *Metrics) ShuffleRound(d time.Duration) {
	shuffleRoundDuration.Observe(d.Seconds())
}

func (m *Metrics) JoinLatency(d time.Duration) {
	joinLatency.Observe(d.Seconds())
}

// NoopMetrics discards everything. It implements membership.MetricsRecorder
// for callers that record no metrics; the run command always uses Metrics.
type NoopMetrics struct{}

func (NoopMetrics) ViewSizes(active, passive int)  {}
func (NoopMetrics) MessageSent(t wire.Type)         {}
func (NoopMetrics) MessageReceived(t wire.Type)     {}
func (NoopMetrics) Eviction()                       {}
func (NoopMetrics) ShuffleRound(d time.Duration)     {}
func (NoopMetrics) JoinLatency(d time.Duration)      {}
