package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the fan-out hub.
type Metrics struct {
	registry *prometheus.Registry

	ConnectedClients prometheus.Gauge
	Broadcasts       *prometheus.CounterVec
	DroppedSends     prometheus.Counter
	StreamMessages   *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stancesense_hub_connected_clients",
			Help: "Dashboard clients currently connected.",
		}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stancesense_hub_broadcasts_total",
			Help: "Messages fanned out, by message type.",
		}, []string{"type"}),
		DroppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stancesense_hub_dropped_clients_total",
			Help: "Clients disconnected because their send buffer was full.",
		}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stancesense_hub_stream_messages_total",
			Help: "Entries read from the processed results stream, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.ConnectedClients,
		m.Broadcasts,
		m.DroppedSends,
		m.StreamMessages,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
