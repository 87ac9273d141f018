package metrics

import (
	"github.com/diwise/sensor-fleet/internal/pkg/application/device"
	"github.com/prometheus/client_golang/prometheus"
)

// FleetMetrics implements device.Observer on top of prometheus collectors.
type FleetMetrics struct {
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	received  *prometheus.CounterVec
	sessions  *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *FleetMetrics {
	m := &FleetMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_fleet_readings_published_total",
			Help: "Readings successfully handed to the broker.",
		}, []string{"client_id"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_fleet_publish_failures_total",
			Help: "Transient publish failures.",
		}, []string{"client_id"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensor_fleet_messages_received_total",
			Help: "Messages received on subscribed topics.",
		}, []string{"client_id"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensor_fleet_sessions",
			Help: "Number of sessions per lifecycle state.",
		}, []string{"state"}),
	}

	reg.MustRegister(m.published, m.failed, m.received, m.sessions)

	return m
}

func (m *FleetMetrics) ReadingPublished(clientID string) {
	m.published.WithLabelValues(clientID).Inc()
}

func (m *FleetMetrics) PublishFailed(clientID string) {
	m.failed.WithLabelValues(clientID).Inc()
}

func (m *FleetMetrics) MessageReceived(clientID string) {
	m.received.WithLabelValues(clientID).Inc()
}

func (m *FleetMetrics) StateChanged(clientID string, from, to device.State) {
	if from != device.Created {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	m.sessions.WithLabelValues(to.String()).Inc()
}
