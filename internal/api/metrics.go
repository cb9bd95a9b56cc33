package api

import (
	"github.com/prometheus/client_golang/prometheus"

	"EstateBonds/internal/eventlog"
)

// metrics are the API's Prometheus collectors.
type metrics struct {
	calls    *prometheus.CounterVec   // calls counts ledger calls by method and outcome code
	duration *prometheus.HistogramVec // duration observes call latency by method
	events   *prometheus.CounterVec   // events counts published ledger events by kind
}

// newMetrics creates the collectors and registers them with reg.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "estatebonds",
				Subsystem: "api",
				Name:      "calls_total",
				Help:      "Ledger calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "estatebonds",
				Subsystem: "api",
				Name:      "call_duration_seconds",
				Help:      "Ledger call duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"method"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "estatebonds",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Committed ledger events by kind",
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(m.calls, m.duration, m.events)

	return m
}

// observeEvent counts one committed event.
func (m *metrics) observeEvent(ev eventlog.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}
