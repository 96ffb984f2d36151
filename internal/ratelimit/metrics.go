package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains rate limiter metrics.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	activeLimiters prometheus.Gauge
}

// NewMetrics creates rate limiter metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates rate limiter metrics registered with the
// provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "grakgate"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions",
			},
			[]string{"algorithm", "outcome"},
		),
		activeLimiters: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "active_limiters",
				Help:      "Number of instantiated limiter configurations",
			},
		),
	}

	// Duplicate registration is safe to ignore: descriptors are identical.
	_ = registerer.Register(m.decisionsTotal)
	_ = registerer.Register(m.activeLimiters)

	return m
}

// RecordDecision records a rate limit decision.
func (m *Metrics) RecordDecision(algorithm Algorithm, allowed bool) {
	if m == nil || m.decisionsTotal == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.decisionsTotal.WithLabelValues(string(algorithm), outcome).Inc()
}

// SetActiveLimiters records the limiter instance count.
func (m *Metrics) SetActiveLimiters(n int) {
	if m == nil || m.activeLimiters == nil {
		return
	}
	m.activeLimiters.Set(float64(n))
}
