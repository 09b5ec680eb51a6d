package transport

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the transport.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensInUse     *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all collectors registered on a
// private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snsync_requests_total",
			Help: "Total number of HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)

	m.RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snsync_retries_total",
			Help: "Total number of retried attempts by reason",
		},
		[]string{"reason"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snsync_request_duration_seconds",
			Help:    "Request latency in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.TokensInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snsync_tokens_in_use",
			Help: "Concurrency tokens currently held, by direction",
		},
		[]string{"direction"},
	)

	m.registry.MustRegister(m.RequestsTotal, m.RetriesTotal, m.RequestDuration, m.TokensInUse)
	return m
}

// Gatherer exposes the private registry for scraping or inspection.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) observe(method string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
