// Package metrics defines the Prometheus instruments of the simulator.
//
// Instruments are registered on a private registry so tests can build as
// many Metrics values as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalsim"

// Metrics holds the simulator's instruments.
type Metrics struct {
	// Operations counts engine operations. Labels: op, outcome (ok, not_found,
	// invalid_config, invalid_argument, error).
	Operations *prometheus.CounterVec

	// PhaseTransitions counts phase boundaries crossed. Labels: intersection.
	PhaseTransitions *prometheus.CounterVec

	// AdvanceSeconds observes the size of each advance request.
	AdvanceSeconds prometheus.Histogram

	// Intersections is the number of live controllers.
	Intersections prometheus.Gauge

	// SinkErrors counts telemetry publish failures. Labels: sink.
	SinkErrors *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_transitions_total",
			Help:      "Phase boundaries crossed while advancing time.",
		}, []string{"intersection"}),
		AdvanceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "advance_seconds",
			Help:      "Simulated seconds requested per advance.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		Intersections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intersections",
			Help:      "Live intersections in the registry.",
		}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Telemetry publish failures by sink.",
		}, []string{"sink"}),
		registry: reg,
	}
	reg.MustRegister(
		m.Operations,
		m.PhaseTransitions,
		m.AdvanceSeconds,
		m.Intersections,
		m.SinkErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
