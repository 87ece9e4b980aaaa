package infrastructure

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the gateway's prometheus collectors. One instance is shared
// by every component; the registry backs the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients        prometheus.Gauge
	ActiveSubscriptions     prometheus.Gauge
	EventsRouted            *prometheus.CounterVec
	MessagesSent            prometheus.Counter
	SlowConsumerDisconnects prometheus.Counter
	UpstreamReconnects      prometheus.Counter
	OrdersPlaced            prometheus.Counter
	CommandErrors           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketbridge_connected_clients",
			Help: "Number of connected WebSocket clients.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketbridge_active_subscriptions",
			Help: "Number of non-terminal subscriptions.",
		}),
		EventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketbridge_events_routed_total",
			Help: "Upstream events routed, by event type.",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketbridge_client_messages_sent_total",
			Help: "Messages enqueued to WebSocket clients.",
		}),
		SlowConsumerDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketbridge_slow_consumer_disconnects_total",
			Help: "Clients disconnected because their outbound queue overflowed.",
		}),
		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketbridge_upstream_reconnects_total",
			Help: "Upstream session reconnect attempts.",
		}),
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marketbridge_orders_placed_total",
			Help: "Orders accepted and forwarded upstream.",
		}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketbridge_command_errors_total",
			Help: "Client command errors, by error code.",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.ConnectedClients,
		m.ActiveSubscriptions,
		m.EventsRouted,
		m.MessagesSent,
		m.SlowConsumerDisconnects,
		m.UpstreamReconnects,
		m.OrdersPlaced,
		m.CommandErrors,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
