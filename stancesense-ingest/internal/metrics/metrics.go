package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the ingestion relay.
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	Forwards          *prometheus.CounterVec
	ForwardDuration   prometheus.Histogram
	DeviceConnections prometheus.Gauge
	SimulatorFrames   prometheus.Counter
	AggregationRuns   *prometheus.CounterVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stancesense_frames_received_total",
			Help: "Frames accepted after validation, by source.",
		}, []string{"source"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stancesense_frames_dropped_total",
			Help: "Frames discarded before forwarding, by reason.",
		}, []string{"reason"}),
		Forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stancesense_forwards_total",
			Help: "Forwarding calls to the processor, by result.",
		}, []string{"result"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stancesense_forward_duration_seconds",
			Help:    "Forwarding call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DeviceConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stancesense_device_connections",
			Help: "Open device link connections.",
		}),
		SimulatorFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stancesense_simulator_frames_total",
			Help: "Frames produced by the telemetry simulator.",
		}),
		AggregationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stancesense_aggregation_sends_total",
			Help: "Per-patient aggregation sends, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.FramesReceived,
		m.FramesDropped,
		m.Forwards,
		m.ForwardDuration,
		m.DeviceConnections,
		m.SimulatorFrames,
		m.AggregationRuns,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
