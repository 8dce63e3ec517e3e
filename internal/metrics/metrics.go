// Package metrics provides Prometheus metrics for the event broker.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the broker.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Publish metrics
	PublishesTotal    *prometheus.CounterVec
	EventsStoredTotal *prometheus.CounterVec

	// Delivery metrics
	DeliveriesTotal *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	EvictionsTotal  *prometheus.CounterVec

	// Dispatcher metrics
	DispatchersRunning prometheus.Gauge

	// Consumer metrics
	ConsumersRegistered prometheus.Gauge

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookline_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.PublishesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_publishes_total",
			Help: "Total number of publish requests",
		},
		[]string{"topic", "status"},
	)

	m.EventsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_events_stored_total",
			Help: "Total number of events durably appended",
		},
		[]string{"topic"},
	)

	m.DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"topic", "result"},
	)

	m.RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_delivery_retries_total",
			Help: "Total number of delivery retries scheduled",
		},
		[]string{"topic"},
	)

	m.EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_consumer_evictions_total",
			Help: "Total number of consumers evicted after repeated failures",
		},
		[]string{"topic"},
	)

	m.DispatchersRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_dispatchers_running",
			Help: "Number of topic dispatchers currently running",
		},
	)

	m.ConsumersRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_consumers_registered",
			Help: "Number of registered consumers",
		},
	)

	m.RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_rate_limit_hits_total",
			Help: "Total number of rate-limited requests",
		},
		[]string{"route"},
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.PublishesTotal,
		m.EventsStoredTotal,
		m.DeliveriesTotal,
		m.RetriesTotal,
		m.EvictionsTotal,
		m.DispatchersRunning,
		m.ConsumersRegistered,
		m.RateLimitHits,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count, duration and in-flight gauge.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
