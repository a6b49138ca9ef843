package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AccessMetrics manages Prometheus instrumentation for access decisions,
// flows, analytics events and experiment assignments.
type AccessMetrics struct {
	decisionsTotal   *prometheus.CounterVec
	flowsTotal       *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	experimentsTotal *prometheus.CounterVec
}

var (
	accessMetricsInstance *AccessMetrics
	accessMetricsOnce     sync.Once
)

// GetAccessMetrics returns the singleton metrics instance.
func GetAccessMetrics() *AccessMetrics {
	accessMetricsOnce.Do(func() {
		accessMetricsInstance = newAccessMetrics(prometheus.DefaultRegisterer)
	})
	return accessMetricsInstance
}

func newAccessMetrics(reg prometheus.Registerer) *AccessMetrics {
	m := &AccessMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "access",
				Name:      "decisions_total",
				Help:      "Total access decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		flowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "flows",
				Name:      "transitions_total",
				Help:      "Total flow state transitions by flow and state",
			},
			[]string{"flow", "state"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "events",
				Name:      "delivered_total",
				Help:      "Total analytics events delivered by type and originator",
			},
			[]string{"type", "originator"},
		),
		eventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Total analytics events dropped by reason",
			},
			[]string{"reason"},
		),
		experimentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Subsystem: "experiments",
				Name:      "assignments_total",
				Help:      "Total experiment assignments by experiment and selection",
			},
			[]string{"experiment", "selection"},
		),
	}

	reg.MustRegister(
		m.decisionsTotal,
		m.flowsTotal,
		m.eventsTotal,
		m.eventsDropped,
		m.experimentsTotal,
	)

	return m
}

// RecordDecision records an access outcome.
func (m *AccessMetrics) RecordDecision(outcome, reason string) {
	m.decisionsTotal.WithLabelValues(orUnknown(outcome), orNone(reason)).Inc()
}

// RecordFlow records a flow entering state.
func (m *AccessMetrics) RecordFlow(flow, state string) {
	m.flowsTotal.WithLabelValues(orUnknown(flow), orUnknown(state)).Inc()
}

// RecordEvent records a delivered analytics event.
func (m *AccessMetrics) RecordEvent(eventType, originator string) {
	m.eventsTotal.WithLabelValues(orUnknown(eventType), orUnknown(originator)).Inc()
}

// RecordDropped records analytics events discarded without delivery.
func (m *AccessMetrics) RecordDropped(reason string, n int) {
	if n <= 0 {
		return
	}
	m.eventsDropped.WithLabelValues(orUnknown(reason)).Add(float64(n))
}

// RecordExperiment records a resolved experiment selection.
func (m *AccessMetrics) RecordExperiment(experiment, selection string) {
	m.experimentsTotal.WithLabelValues(orUnknown(experiment), orUnknown(selection)).Inc()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
