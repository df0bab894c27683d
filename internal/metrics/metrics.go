// Package metrics provides Prometheus metrics for the Avro RPC
// server and client gateway.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors exposed by the server.
type Metrics struct {
	// HTTP request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Handshake metrics
	HandshakeTotal    *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// Compatibility cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   *prometheus.GaugeVec

	// Codec metrics
	EncodeErrors *prometheus.CounterVec
	DecodeErrors *prometheus.CounterVec

	// Client gateway metrics
	ClientRetries *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered
// against a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_requests_total",
			Help: "Total number of HTTP requests handled by the RPC server",
		},
		[]string{"method", "message", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avrorpc_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "message"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "avrorpc_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	m.HandshakeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_handshake_total",
			Help: "Total number of handshakes by match result",
		},
		[]string{"match"}, // BOTH, CLIENT, NONE
	)

	m.HandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avrorpc_handshake_duration_seconds",
			Help:    "Handshake processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_cache_hits_total",
			Help: "Total number of compatibility cache hits",
		},
		[]string{"cache"},
	)

	m.CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_cache_misses_total",
			Help: "Total number of compatibility cache misses",
		},
		[]string{"cache"},
	)

	m.CacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avrorpc_cache_size",
			Help: "Current compatibility cache occupancy",
		},
		[]string{"cache"},
	)

	m.EncodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_encode_errors_total",
			Help: "Total number of binary encode failures",
		},
		[]string{"message"},
	)

	m.DecodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_decode_errors_total",
			Help: "Total number of binary decode failures",
		},
		[]string{"message"},
	)

	m.ClientRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avrorpc_client_retries_total",
			Help: "Total number of retries performed by the client gateway, by reason",
		},
		[]string{"reason"}, // transport (the gateway's only recorded reason)
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.HandshakeTotal,
		m.HandshakeDuration,
		m.CacheHits,
		m.CacheMisses,
		m.CacheSize,
		m.EncodeErrors,
		m.DecodeErrors,
		m.ClientRetries,
	)

	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Middleware records request count/duration for every request except
// the metrics endpoint itself.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		holder := new(string)
		ctx := context.WithValue(r.Context(), messageNameKey{}, holder)
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		message := *holder
		if message == "" {
			message = "unknown"
		}
		m.RequestsTotal.WithLabelValues(r.Method, message, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, message).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

type messageNameKey struct{}

// SetMessageName records the resolved CallRequest message name on
// the request context so the metrics middleware can label the
// request once the dispatcher has decoded that far. Must be called
// with the ctx handed to a request already passed through
// Middleware, or it is a no-op.
func SetMessageName(ctx context.Context, name string) {
	if holder, ok := ctx.Value(messageNameKey{}).(*string); ok {
		*holder = name
	}
}

// RecordHandshake records a completed handshake by match result.
func (m *Metrics) RecordHandshake(match string, duration time.Duration) {
	m.HandshakeTotal.WithLabelValues(match).Inc()
	m.HandshakeDuration.Observe(duration.Seconds())
}

// RecordCacheAccess records a compatibility cache lookup.
func (m *Metrics) RecordCacheAccess(cache string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(cache).Inc()
	} else {
		m.CacheMisses.WithLabelValues(cache).Inc()
	}
}

// UpdateCacheSize records the current occupancy of a named cache.
func (m *Metrics) UpdateCacheSize(cache string, size float64) {
	m.CacheSize.WithLabelValues(cache).Set(size)
}

// RecordEncodeError records a binary encode failure for a message.
func (m *Metrics) RecordEncodeError(message string) {
	m.EncodeErrors.WithLabelValues(message).Inc()
}

// RecordDecodeError records a binary decode failure for a message.
func (m *Metrics) RecordDecodeError(message string) {
	m.DecodeErrors.WithLabelValues(message).Inc()
}

// RecordClientRetry records a handshake retry attempted by the
// client gateway.
func (m *Metrics) RecordClientRetry(reason string) {
	m.ClientRetries.WithLabelValues(reason).Inc()
}
