package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the session lifecycle.
type Metrics struct {
	operationsTotal *prometheus.CounterVec
	sweptTotal      prometheus.Counter
}

// NewMetrics creates session metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates session metrics registered with the
// given registerer.
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "grakgate"
	}

	m := &Metrics{
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_operations_total",
				Help:      "Total number of session operations by type and outcome",
			},
			[]string{"operation", "outcome"},
		),
		sweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_swept_total",
				Help:      "Total number of sessions removed by the cleanup sweep",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.operationsTotal, m.sweptTotal)
	}

	return m
}

// RecordOperation records a session operation outcome.
func (m *Metrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordSweep records sessions removed by a cleanup pass.
func (m *Metrics) RecordSweep(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.sweptTotal.Add(float64(count))
}
