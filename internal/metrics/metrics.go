// Package metrics exposes the chat server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "framechat"

// Metrics holds the collectors. A nil *Metrics records nothing, so components
// can be built without a registry in tests.
type Metrics struct {
	connectionsTotal  *prometheus.CounterVec
	connectionErrors  *prometheus.CounterVec
	clientsConnected  prometheus.Gauge
	messagesReceived  *prometheus.CounterVec
	messagesPublished prometheus.Counter
	subscribersLagged prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections by transport",
		}, []string{"transport"}),

		connectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connections aborted by an error",
		}, []string{"reason"}),

		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "Number of logged in clients",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from clients by kind",
		}, []string{"kind"}),

		messagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages published to the fan-out channel",
		}),

		subscribersLagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribers_lagged_total",
			Help:      "Total number of subscribers dropped for falling behind",
		}),
	}
}

// ConnectionOpened counts an accepted connection.
func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

// ConnectionFailed counts a connection that ended with an error.
func (m *Metrics) ConnectionFailed(reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(reason).Inc()
}

// SetClients records the number of logged in clients.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

// MessageReceived counts an inbound message.
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// Published counts a message accepted by the fan-out channel.
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.messagesPublished.Inc()
}

// Lagged counts a subscriber dropped for a full buffer.
func (m *Metrics) Lagged() {
	if m == nil {
		return
	}
	m.subscribersLagged.Inc()
}
