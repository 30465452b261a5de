// Package telemetry provides observability primitives for the gateway:
// Prometheus metrics and OpenTelemetry tracing setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	TokensProcessed     *prometheus.CounterVec
	ThrottledTotal      *prometheus.CounterVec // labels: provider
	KeyPermanentlyFailed *prometheus.CounterVec // labels: provider
	AttemptsPerRequest  prometheus.Histogram    // number of key attempts the router made before success/exhaustion
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "relay",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		ThrottledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "throttled_total",
			Help:      "Total attempts that hit an upstream rate limit, by provider.",
		}, []string{"provider"}),

		KeyPermanentlyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "key_permanently_failed_total",
			Help:      "Total keys newly marked permanently failed, by provider.",
		}, []string{"provider"}),

		AttemptsPerRequest: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "router_attempts_per_request",
			Help:      "Number of key attempts the router made for one inbound request.",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.TokensProcessed,
		m.ThrottledTotal,
		m.KeyPermanentlyFailed,
		m.AttemptsPerRequest,
	)

	return m
}
