package server

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	requests            *prometheus.CounterVec
	requestsFailed      *prometheus.CounterVec
	requestDuration     prometheus.Histogram
	protocolErrors      prometheus.Counter
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.connectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "connections_accepted_total",
		Help: "Total number of client connections accepted.",
	})

	m.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "connections_active",
		Help: "Number of currently open client connections.",
	})

	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total number of requests dispatched, by operation.",
	}, []string{"op"})

	m.requestsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_failed_total",
		Help: "Total number of requests answered with an error, by operation.",
	}, []string{"op"})

	m.requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "Time spent dispatching a request to the storage engine.",
		Buckets: prometheus.DefBuckets,
	})

	m.protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Total number of connections closed due to malformed frames.",
	})

	registerer.MustRegister(
		m.connectionsAccepted, m.connectionsActive,
		m.requests, m.requestsFailed, m.requestDuration,
		m.protocolErrors,
	)

	return m
}
