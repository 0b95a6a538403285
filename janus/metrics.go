package janus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the client collectors. Create it once per registry and share it
// between sessions with WithMetrics. A nil *Metrics records nothing.
type Metrics struct {
	requests     *prometheus.CounterVec
	pollCycles   *prometheus.CounterVec
	routedEvents *prometheus.CounterVec
	handles      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "janus_client",
				Name:      "requests_total",
				Help:      "Control requests sent to the gateway",
			},
			[]string{"verb", "outcome"}, // outcome=ok/protocol_error/transport_error
		),
		pollCycles: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "janus_client",
				Name:      "poll_cycles_total",
				Help:      "Completed long-poll cycles",
			},
			[]string{"outcome"},
		),
		routedEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "janus_client",
				Name:      "routed_events_total",
				Help:      "Pushes routed to a session or handle",
			},
			[]string{"event", "target"}, // target=session/handle
		),
		handles: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "janus_client",
				Name:      "attached_handles",
				Help:      "Handles currently registered across sessions",
			},
		),
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "protocol_error"
	}
}

func (m *Metrics) request(verb string, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(verb, outcomeOf(err)).Inc()
}

func (m *Metrics) pollCycle(err error) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(outcomeOf(err)).Inc()
}

func (m *Metrics) routed(ev EventType, target string) {
	if m == nil {
		return
	}
	m.routedEvents.WithLabelValues(string(ev), target).Inc()
}

func (m *Metrics) handleAdded() {
	if m == nil {
		return
	}
	m.handles.Inc()
}

func (m *Metrics) handleRemoved() {
	if m == nil {
		return
	}
	m.handles.Dec()
}
