package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the guard's Prometheus collectors. Each Metrics owns its own
// registry so several services (and tests) can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Decisions     *prometheus.CounterVec
	Events        *prometheus.CounterVec
	EventsDropped prometheus.Counter
	SinkFailures  *prometheus.CounterVec
	Swept         *prometheus.CounterVec
}

// NewMetrics creates and registers the guard collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "flowguard", Name: "decisions_total", Help: "Guard decisions by component and outcome."},
			[]string{"component", "outcome"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "flowguard", Name: "events_total", Help: "Security events emitted by type and severity."},
			[]string{"type", "severity"},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "flowguard", Name: "events_dropped_total", Help: "Security events dropped because the recorder queue was full or closed."},
		),
		SinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "flowguard", Name: "sink_failures_total", Help: "Failed writes to the event store, publishers and alert channels."},
			[]string{"target"},
		),
		Swept: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "flowguard", Name: "swept_records_total", Help: "Expired records removed by the janitor."},
			[]string{"component"},
		),
	}
	m.Registry.MustRegister(m.Decisions, m.Events, m.EventsDropped, m.SinkFailures, m.Swept)
	return m
}

// Decision records a guard decision. A nil Metrics is a no-op.
func (m *Metrics) Decision(component string, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allow"
	if !allowed {
		outcome = "deny"
	}
	m.Decisions.WithLabelValues(component, outcome).Inc()
}
