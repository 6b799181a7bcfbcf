// Package telemetry exposes the daemon's Prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncmesh/syncmesh/internal/core"
)

// Metrics holds every collector on a private registry so tests and embedded
// use never fight over the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.GaugeVec
	health   *prometheus.GaugeVec
	events   *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_sync_attempts_total",
			Help: "Sync attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncmesh_sync_duration_seconds",
			Help:    "Wall time of sync attempts by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncmesh_consecutive_failures",
			Help: "Current consecutive failure count by provider.",
		}, []string{"provider"}),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncmesh_provider_health",
			Help: "Provider health classification: 0 healthy, 1 degraded, 2 unhealthy.",
		}, []string{"provider"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncmesh_webhook_events_total",
			Help: "Webhook events by routing result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(m.attempts, m.duration, m.failures, m.health, m.events)
	return m
}

// ObserveResult records one finished sync attempt. Wired into the
// supervisor's result hook.
func (m *Metrics) ObserveResult(res core.Result) {
	m.attempts.WithLabelValues(res.Provider, string(res.Outcome)).Inc()
	m.duration.WithLabelValues(res.Provider).Observe(res.Duration().Seconds())
}

// ObserveHealth mirrors a health snapshot into the gauges.
func (m *Metrics) ObserveHealth(hs core.HealthSnapshot) {
	for id, ph := range hs.Providers {
		m.failures.WithLabelValues(id).Set(float64(ph.ConsecutiveFailures))
		m.health.WithLabelValues(id).Set(healthValue(ph.Status))
	}
}

// ObserveEvent counts one webhook routing result. Wired into the event bus
// observer.
func (m *Metrics) ObserveEvent(result string) {
	m.events.WithLabelValues(result).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func healthValue(h core.Health) float64 {
	switch h {
	case core.HealthUnhealthy:
		return 2
	case core.HealthDegraded:
		return 1
	default:
		return 0
	}
}
