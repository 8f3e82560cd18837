// Package metrics exposes prometheus instrumentation for the gateway. A nil
// *Metrics is valid and records nothing, so instrumentation stays optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	requests    *prometheus.CounterVec
	cacheEvents *prometheus.CounterVec
}

// New registers the gateway collectors with reg. backedOffKeys feeds the
// keys-backed-off gauge.
func New(reg prometheus.Registerer, backedOffKeys func() float64) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orfree",
			Name:      "requests_total",
			Help:      "Gateway requests by operation and terminal outcome.",
		}, []string{"operation", "outcome"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orfree",
			Name:      "cache_events_total",
			Help:      "Response cache lookups by result.",
		}, []string{"event"}),
	}
	reg.MustRegister(m.requests, m.cacheEvents)

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "orfree",
		Name:      "keys_backed_off",
		Help:      "API keys currently inside their rate-limit backoff window.",
	}, backedOffKeys))

	return m
}

// ObserveRequest records one terminal request outcome.
func (m *Metrics) ObserveRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
}

// ObserveCache records a cache hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	event := "miss"
	if hit {
		event = "hit"
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}
