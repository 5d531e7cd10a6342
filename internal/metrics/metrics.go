// Package metrics exposes Prometheus metrics for the concierge router.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/power100/concierge/internal/fsm"
	"github.com/power100/concierge/internal/manager"
)

// Metrics collects transition, restore and routing metrics. It implements
// fsm.Observer and manager.Instrumentation.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions     *prometheus.CounterVec
	restores        *prometheus.CounterVec
	persistFailures prometheus.Counter
	activeMachines  prometheus.Gauge
	routeDuration   *prometheus.HistogramVec
}

var (
	_ fsm.Observer            = (*Metrics)(nil)
	_ manager.Instrumentation = (*Metrics)(nil)
)

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_transitions_total",
			Help: "Persisted session state transitions.",
		}, []string{"from", "to", "trigger"}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_restores_total",
			Help: "Session machines rebuilt from storage, by outcome.",
		}, []string{"outcome"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "concierge_persist_failures_total",
			Help: "State writes that failed after an in-memory transition.",
		}),
		activeMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "concierge_active_machines",
			Help: "Session machines cached in this process.",
		}),
		routeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concierge_route_duration_seconds",
			Help:    "Time to resolve the agent for an inbound message.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"agent"}),
	}
	reg.MustRegister(m.transitions, m.restores, m.persistFailures, m.activeMachines, m.routeDuration)
	return m
}

// ObserveTransition implements fsm.Observer.
func (m *Metrics) ObserveTransition(c fsm.Change) {
	m.transitions.WithLabelValues(string(c.From), string(c.To), string(c.Trigger)).Inc()
}

// ObserveRestore implements manager.Instrumentation.
func (m *Metrics) ObserveRestore(outcome manager.RestoreOutcome) {
	m.restores.WithLabelValues(string(outcome)).Inc()
}

// ObservePersistFailure implements manager.Instrumentation.
func (m *Metrics) ObservePersistFailure() {
	m.persistFailures.Inc()
}

// SetActiveMachines implements manager.Instrumentation.
func (m *Metrics) SetActiveMachines(n int) {
	m.activeMachines.Set(float64(n))
}

// ObserveRoute records how long routing one message took.
func (m *Metrics) ObserveRoute(agent string, d time.Duration) {
	m.routeDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
