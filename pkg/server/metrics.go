package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's Prometheus collectors. Each server instance
// carries its own registry so tests can run servers side by side.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	connectionsTotal  prometheus.Counter
	rejectedTotal     prometheus.Counter
	actionsTotal      *prometheus.CounterVec
	broadcastsTotal   *prometheus.CounterVec
	broadcastDrops    prometheus.Counter
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "comms_active_connections",
			Help: "Number of live websocket connections.",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "comms_active_rooms",
			Help: "Number of rooms with at least one live connection.",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "comms_connections_total",
			Help: "Total accepted websocket connections.",
		}),
		rejectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "comms_connections_rejected_total",
			Help: "Total handshakes refused for missing or invalid identity.",
		}),
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comms_actions_total",
			Help: "Dispatched actions by name and result status.",
		}, []string{"action", "status"}),
		broadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "comms_broadcast_frames_total",
			Help: "Frames delivered to broadcast recipients, by action.",
		}, []string{"action"}),
		broadcastDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "comms_broadcast_drops_total",
			Help: "Broadcast deliveries dropped due to dead or slow connections.",
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordGauges updates the connection and room gauges.
func (m *Metrics) RecordGauges(connections, rooms int) {
	m.activeConnections.Set(float64(connections))
	m.activeRooms.Set(float64(rooms))
}

// RecordConnection counts an accepted handshake.
func (m *Metrics) RecordConnection() {
	m.connectionsTotal.Inc()
}

// RecordRejected counts a refused handshake.
func (m *Metrics) RecordRejected() {
	m.rejectedTotal.Inc()
}

// RecordAction counts a dispatched action and its result status.
func (m *Metrics) RecordAction(action, status string) {
	m.actionsTotal.WithLabelValues(action, status).Inc()
}

// RecordBroadcast counts delivered and dropped recipients of one broadcast.
func (m *Metrics) RecordBroadcast(action string, delivered, dropped int) {
	m.broadcastsTotal.WithLabelValues(action).Add(float64(delivered))
	if dropped > 0 {
		m.broadcastDrops.Add(float64(dropped))
	}
}
