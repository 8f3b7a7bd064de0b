// Package metric defines the engine's Prometheus instrumentation. All
// methods are nil-receiver safe, so callers instrument unconditionally and
// a nil *Metrics means metrics are off.
package metric

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Outcome labels for parses_total.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Fallback reason classes for fallbacks_total.
const (
	ReasonUnavailable = "unavailable"
	ReasonError       = "error"
)

// Metrics contains the engine-level collectors.
type Metrics struct {
	ParsesTotal    *prometheus.CounterVec
	RowsTotal      *prometheus.CounterVec
	FallbacksTotal *prometheus.CounterVec
	ParseDuration  *prometheus.HistogramVec
	ActiveSessions prometheus.Gauge
}

// New creates the engine metrics, unregistered.
func New() *Metrics {
	return &Metrics{
		ParsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamcsv",
				Subsystem: "engine",
				Name:      "parses_total",
				Help:      "Parses by backend, execution context, and outcome",
			},
			[]string{"backend", "context", "status"},
		),
		RowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamcsv",
				Subsystem: "engine",
				Name:      "rows_total",
				Help:      "Records emitted, by the backend that produced them",
			},
			[]string{"backend"},
		),
		FallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streamcsv",
				Subsystem: "engine",
				Name:      "fallbacks_total",
				Help:      "Backend fallbacks by requested backend, actual backend, and reason class",
			},
			[]string{"from", "to", "reason"},
		),
		ParseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streamcsv",
				Subsystem: "engine",
				Name:      "parse_duration_seconds",
				Help:      "Wall time of completed parses",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "context"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "streamcsv",
				Subsystem: "engine",
				Name:      "active_sessions",
				Help:      "Parses currently in flight",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ParsesTotal,
		m.RowsTotal,
		m.FallbacksTotal,
		m.ParseDuration,
		m.ActiveSessions,
	}
}

// ParseStarted marks a session in flight.
func (m *Metrics) ParseStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// ParseDone records a finished parse.
func (m *Metrics) ParseDone(backend, execContext, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.ParsesTotal.WithLabelValues(backend, execContext, status).Inc()
	m.ParseDuration.WithLabelValues(backend, execContext).Observe(seconds)
}

// RowsEmitted adds to the per-backend record counter.
func (m *Metrics) RowsEmitted(backend string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsTotal.WithLabelValues(backend).Add(float64(n))
}

// FallbackRecorded counts one backend fallback.
func (m *Metrics) FallbackRecorded(from, to, reason string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(from, to, reason).Inc()
}

// Registry couples the engine metrics with their Prometheus registry and
// the process collectors.
type Registry struct {
	reg     *prometheus.Registry
	Metrics *Metrics
}

// NewRegistry creates a registry with the engine metrics and Go runtime
// collectors already registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := New()
	reg.MustRegister(m.collectors()...)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{reg: reg, Metrics: m}
}

// Prometheus returns the underlying registry for scrape handlers.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// Register adds a collector, tolerating one already registered.
func (r *Registry) Register(c prometheus.Collector) error {
	if err := r.reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
