// Package metrics exposes scan counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "magicscan"

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	attempts   *prometheus.CounterVec
	identified *prometheus.CounterVec
	pings      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tcp",
				Name:      "attempts_total",
				Help:      "TCP connect attempts by outcome",
			},
			[]string{"state"},
		),
		identified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fingerprint",
				Name:      "identified_total",
				Help:      "Open sockets a fingerprint named, by service",
			},
			[]string{"service"},
		),
		pings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "icmp",
				Name:      "pings_total",
				Help:      "ICMP echo requests by outcome",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(m.attempts, m.identified, m.pings)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveAttempt(open bool) {
	if m == nil {
		return
	}
	state := "closed"
	if open {
		state = "open"
	}
	m.attempts.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveIdentified(service string) {
	if m == nil {
		return
	}
	m.identified.WithLabelValues(service).Inc()
}

func (m *Metrics) ObservePing(alive bool) {
	if m == nil {
		return
	}
	result := "timeout"
	if alive {
		result = "alive"
	}
	m.pings.WithLabelValues(result).Inc()
}
