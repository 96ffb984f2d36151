package auth

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for authentication decisions.
type Metrics struct {
	attemptsTotal *prometheus.CounterVec
	deniedTotal   *prometheus.CounterVec
}

// NewMetrics creates auth metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates auth metrics registered with the given
// registerer.
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "grakgate"
	}

	m := &Metrics{
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of authentication attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		deniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_denied_total",
				Help:      "Total number of authorization denials by requirement type",
			},
			[]string{"requirement"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.attemptsTotal, m.deniedTotal)
	}

	return m
}

// RecordAttempt records one authentication attempt.
func (m *Metrics) RecordAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordDenied records one authorization denial. Only the requirement
// category is labeled; the specific value would blow up cardinality.
func (m *Metrics) RecordDenied(requirement string) {
	if m == nil {
		return
	}
	category, _, _ := strings.Cut(requirement, " ")
	m.deniedTotal.WithLabelValues(category).Inc()
}
