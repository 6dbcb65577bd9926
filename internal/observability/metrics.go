package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// Every method is safe on a nil receiver.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	Turns          *prometheus.CounterVec
	NodeFailures   *prometheus.CounterVec
	ExternalErrors *prometheus.CounterVec
	Escalations    *prometheus.CounterVec
	DeliveryGaps   prometheus.Counter
	WSMessages     *prometheus.CounterVec
	TurnLatency    prometheus.Histogram

	nodes *nodeWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live chat sessions known to this process.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by handling path and intent.",
		}, []string{"path", "intent"}),
		NodeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_node_failures_total",
			Help:      "Dialogue nodes that fell back to their default result.",
		}, []string{"node"}),
		ExternalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_errors_total",
			Help:      "External service errors by service.",
		}, []string{"service"}),
		Escalations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation tickets created by priority.",
		}, []string{"priority"}),
		DeliveryGaps: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_delivery_gaps_total",
			Help:      "Escalation tickets that could not be persisted.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TurnLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End-to-end chat turn latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}),
		nodes: newNodeWindow(256),
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
	switch event {
	case "created":
		m.ActiveSessions.Inc()
	case "expired", "cleared":
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) ObserveTurn(path, intent string, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(path, intent).Inc()
	m.TurnLatency.Observe(float64(d.Milliseconds()))
	m.nodes.Observe("turn_total", durationMS(d), false)
}

// ObserveNode records one dialogue node execution.
func (m *Metrics) ObserveNode(node string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.nodes.Observe(node, durationMS(d), failed)
	if failed {
		m.NodeFailures.WithLabelValues(node).Inc()
	}
}

func (m *Metrics) ObserveExternalError(service string) {
	if m == nil {
		return
	}
	m.ExternalErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveEscalation(priority string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(priority).Inc()
}

func (m *Metrics) ObserveDeliveryGap() {
	if m == nil {
		return
	}
	m.DeliveryGaps.Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// NodeSnapshot returns rolling per-node latency percentiles and degraded rates.
func (m *Metrics) NodeSnapshot() NodeLatencySnapshot {
	if m == nil {
		return NodeLatencySnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.nodes.Snapshot()
}

func (m *Metrics) ResetNodeWindow() {
	if m == nil {
		return
	}
	m.nodes.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
