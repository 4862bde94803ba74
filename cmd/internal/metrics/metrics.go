// Package metrics defines the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay groups every collector the relay exports.
// A nil *Relay is valid and records nothing.
type Relay struct {
	reg *prometheus.Registry

	ActiveConnections prometheus.Gauge
	ActiveRooms       prometheus.Gauge

	Admissions       prometheus.Counter
	AuthFailures     *prometheus.CounterVec
	ValidatorLatency *prometheus.HistogramVec

	MessagesReceived *prometheus.CounterVec
	MalformedFrames  prometheus.Counter
	Broadcasts       *prometheus.CounterVec
	Evictions        *prometheus.CounterVec

	PersistOutcomes *prometheus.CounterVec
	PersistRetries  prometheus.Counter
}

// New registers all collectors on a fresh registry, plus Go/process collectors.
func New() *Relay {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers all collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Relay {
	f := promauto.With(reg)

	return &Relay{
		reg: reg,

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "The current number of open room WebSocket connections, including ones still authenticating.",
		}),
		ActiveRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "The current number of loaded rooms.",
		}),
		Admissions: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_admissions_total",
			Help: "The total number of connections admitted into a room.",
		}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "The total number of rejected connection attempts.",
		}, []string{"reason"}),
		ValidatorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_session_validate_seconds",
			Help:    "Latency of session validation calls to the auth service.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"reason"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "The total number of valid client messages received.",
		}, []string{"type"}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "The total number of inbound frames that failed to parse or validate.",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "The total number of events fanned out to a room.",
		}, []string{"type"}),
		Evictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_evictions_total",
			Help: "The total number of connections closed by the relay.",
		}, []string{"reason"}),
		PersistOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_persist_total",
			Help: "Outcomes of event hand-offs to the persistence collaborator.",
		}, []string{"kind", "result"}),
		PersistRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_persist_retries_total",
			Help: "The total number of persistence retries.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Relay) Handler() http.Handler {
	if m == nil || m.reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests).
func (m *Relay) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ---- nil-safe recorders ----

func (m *Relay) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Relay) ConnectionAdmitted() {
	if m != nil {
		m.Admissions.Inc()
	}
}

func (m *Relay) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Relay) RoomsLoaded(n int) {
	if m != nil {
		m.ActiveRooms.Set(float64(n))
	}
}

func (m *Relay) AuthFailed(reason string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Relay) ObserveValidate(reason string, took time.Duration) {
	if m != nil {
		m.ValidatorLatency.WithLabelValues(reason).Observe(took.Seconds())
	}
}

func (m *Relay) MessageReceived(typ string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(typ).Inc()
	}
}

func (m *Relay) Malformed() {
	if m != nil {
		m.MalformedFrames.Inc()
	}
}

func (m *Relay) Broadcast(typ string) {
	if m != nil {
		m.Broadcasts.WithLabelValues(typ).Inc()
	}
}

func (m *Relay) Evicted(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}

func (m *Relay) Persisted(kind, result string) {
	if m != nil {
		m.PersistOutcomes.WithLabelValues(kind, result).Inc()
	}
}

func (m *Relay) PersistRetried() {
	if m != nil {
		m.PersistRetries.Inc()
	}
}
