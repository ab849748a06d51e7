// Package telemetry exposes Prometheus metrics for sessions, peer links
// and the relay. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const meshcallNamespace string = "meshcall"

// Metrics owns its own registry so several sessions (or tests) in one
// process do not collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	participants    prometheus.Gauge
	links           *prometheus.GaugeVec
	reconnects      prometheus.Counter
	replaceFailures prometheus.Counter
	dropped         *prometheus.CounterVec
	logEntries      *prometheus.CounterVec
	relayMembers    prometheus.Gauge
	relayRooms      prometheus.Gauge
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: meshcallNamespace,
			Subsystem: "session",
			Name:      "participants",
			Help:      "Remote participants in the local roster.",
		}),
		links: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: meshcallNamespace,
			Subsystem: "peer",
			Name:      "links",
			Help:      "Peer links by state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: meshcallNamespace,
			Subsystem: "signaling",
			Name:      "reconnect_attempts_total",
			Help:      "Relay reconnection attempts.",
		}),
		replaceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: meshcallNamespace,
			Subsystem: "peer",
			Name:      "track_replace_failures_total",
			Help:      "Outbound video replacements that failed on a single link.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: meshcallNamespace,
			Subsystem: "signaling",
			Name:      "dropped_envelopes_total",
			Help:      "Envelopes dropped instead of handled.",
		}, []string{"reason"}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: meshcallNamespace,
			Subsystem: "replog",
			Name:      "entries_total",
			Help:      "Entries accepted into the replicated log.",
		}, []string{"kind"}),
		relayMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: meshcallNamespace,
			Subsystem: "relay",
			Name:      "members",
			Help:      "Connected relay members across all rooms.",
		}),
		relayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: meshcallNamespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Open relay rooms.",
		}),
	}

	m.Registry.MustRegister(
		m.participants,
		m.links,
		m.reconnects,
		m.replaceFailures,
		m.dropped,
		m.logEntries,
		m.relayMembers,
		m.relayRooms,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}

// SetLinks replaces the per-state link gauges with counts. States missing
// from counts are reset to zero.
func (m *Metrics) SetLinks(counts map[string]int, states ...string) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.links.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) ReplaceFailed() {
	if m == nil {
		return
	}
	m.replaceFailures.Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) LogEntry(kind string) {
	if m == nil {
		return
	}
	m.logEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RelayMemberJoined() {
	if m == nil {
		return
	}
	m.relayMembers.Inc()
}

func (m *Metrics) RelayMemberLeft() {
	if m == nil {
		return
	}
	m.relayMembers.Dec()
}

func (m *Metrics) SetRelayRooms(n int) {
	if m == nil {
		return
	}
	m.relayRooms.Set(float64(n))
}
