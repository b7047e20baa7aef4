// Package metrics exposes the chat core's Prometheus instruments. Every
// silently dropped frame or rejected connection is counted here by reason.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop and rejection reasons.
const (
	ReasonMalformed      = "malformed"
	ReasonTooLarge       = "too_large"
	ReasonRateLimited    = "rate_limited"
	ReasonUnauthorized   = "unauthorized_mutation"
	ReasonUnresolvable   = "unresolvable_reference"
	ReasonPersistence    = "persistence_failure"
	ReasonBadCredential  = "bad_credential"
	ReasonNotParticipant = "not_participant"
	ReasonMembership     = "membership_lookup_failure"
)

type Metrics struct {
	FramesDropped       *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	EventsBroadcast     *prometheus.CounterVec
	DeliveryFailures    prometheus.Counter
	ActiveSessions      prometheus.Gauge
}

// New creates the instruments and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped without a broadcast, by reason.",
		}, []string{"reason"}),
		ConnectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "connections_rejected_total",
			Help:      "Connection attempts refused before upgrade, by reason.",
		}, []string{"reason"}),
		EventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_broadcast_total",
			Help:      "Events fanned out to a room, by event type.",
		}, []string{"type"}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "delivery_failures_total",
			Help:      "Per-recipient delivery failures during broadcast.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "sessions_active",
			Help:      "Live sessions across all rooms.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.FramesDropped, m.ConnectionsRejected, m.EventsBroadcast, m.DeliveryFailures, m.ActiveSessions)
	}
	return m
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Broadcast(eventType string) {
	if m == nil {
		return
	}
	m.EventsBroadcast.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}
