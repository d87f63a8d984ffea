// Package metrics holds the Prometheus collectors of the matchmaking core.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event names for the events_total counter.
const (
	EventPairing           = "pairing"
	EventPairingRace       = "pairing_race"
	EventSearchTimeout     = "search_timeout"
	EventSearchCancelled   = "search_cancelled"
	EventProtocolViolation = "protocol_violation"
	EventReport            = "report"
	EventCallConnected     = "call_connected"
	EventCallFailed        = "call_failed"
	EventPartnerLost       = "partner_lost"
	EventPresenceExpired   = "presence_expired"
)

const namespace = "randomtalk"

type Metrics struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	onlineGauge    prometheus.Gauge
	sessionsGauge  prometheus.Gauge
	searchDuration prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Matchmaking and signaling events.",
		}, []string{"event"}),
		onlineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_identities",
			Help:      "Identities currently registered as online.",
		}),
		sessionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Paired sessions that have not been torn down.",
		}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Time from findPartner to a pairing or timeout.",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 20, 30},
		}),
	}
	reg.MustRegister(
		m.events, m.onlineGauge, m.sessionsGauge, m.searchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Inc bumps the events_total counter for event.
func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

// SetOnline records the online-identity count.
func (m *Metrics) SetOnline(n int) {
	if m == nil {
		return
	}
	m.onlineGauge.Set(float64(n))
}

// SessionOpened and SessionClosed track active sessions.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsGauge.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsGauge.Dec()
}

// ObserveSearch records how long a search took.
func (m *Metrics) ObserveSearch(d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Counter returns the events_total child for event.
func (m *Metrics) Counter(event string) prometheus.Counter {
	return m.events.WithLabelValues(event)
}
