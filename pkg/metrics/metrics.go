// Package metrics provides Prometheus metrics for credfill.
//
// credfill runs as a short-lived process, so metrics are not served over
// HTTP. Instead the registry can be written to a node-exporter textfile at
// the end of a run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for credfill.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HelperInvocations *prometheus.CounterVec
	HelperDuration    *prometheus.HistogramVec
	FieldsFilled      *prometheus.CounterVec
	Resolves          *prometheus.CounterVec
	BroadcastFailures *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		HelperInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credfill",
				Subsystem: "helper",
				Name:      "invocations_total",
				Help:      "Total number of credential helper invocations.",
			},
			[]string{"helper", "operation", "result"},
		),

		HelperDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "credfill",
				Subsystem: "helper",
				Name:      "duration_seconds",
				Help:      "Duration of credential helper invocations in seconds.",
				Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"helper", "operation"},
		),

		FieldsFilled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credfill",
				Subsystem: "helper",
				Name:      "fields_filled_total",
				Help:      "Credential fields supplied by each helper during fill.",
			},
			[]string{"helper", "field"},
		),

		Resolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credfill",
				Subsystem: "engine",
				Name:      "resolves_total",
				Help:      "Total number of resolve calls by outcome.",
			},
			[]string{"outcome"},
		),

		BroadcastFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "credfill",
				Subsystem: "chain",
				Name:      "broadcast_failures_total",
				Help:      "Helpers that failed to accept a store or erase event.",
			},
			[]string{"helper", "operation"},
		),
	}

	registry.MustRegister(
		m.HelperInvocations,
		m.HelperDuration,
		m.FieldsFilled,
		m.Resolves,
		m.BroadcastFailures,
	)

	return m
}

// WriteTextfile writes all metrics in the text exposition format to path,
// replacing the file atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// RecordHelper records one helper invocation.
func (m *Metrics) RecordHelper(helper, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.HelperInvocations.WithLabelValues(helper, operation, result).Inc()
	m.HelperDuration.WithLabelValues(helper, operation).Observe(d.Seconds())
}

// RecordFilled records the fields a helper supplied.
func (m *Metrics) RecordFilled(helper string, fields []string) {
	if m == nil {
		return
	}
	for _, f := range fields {
		m.FieldsFilled.WithLabelValues(helper, f).Inc()
	}
}

// RecordResolve records the outcome of a resolve call.
func (m *Metrics) RecordResolve(outcome string) {
	if m == nil {
		return
	}
	m.Resolves.WithLabelValues(outcome).Inc()
}

// RecordBroadcastFailure records a helper that failed a lifecycle event.
func (m *Metrics) RecordBroadcastFailure(helper, operation string) {
	if m == nil {
		return
	}
	m.BroadcastFailures.WithLabelValues(helper, operation).Inc()
}
