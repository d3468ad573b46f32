// Package observability exposes the gateway's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway metric set. Register once at startup and share
// across the pipeline and server.
type Metrics struct {
	TotalRequests   *prometheus.CounterVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	PIIDetections   *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	BlockedRequests prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	ProviderErrors  *prometheus.CounterVec
}

// NewMetrics registers the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TotalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piigate_requests_total",
			Help: "Total chat requests handled, by provider, model and status.",
		}, []string{"provider", "model", "status"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "piigate_cache_hits_total",
			Help: "Semantic cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "piigate_cache_misses_total",
			Help: "Semantic cache misses.",
		}),
		PIIDetections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piigate_pii_detections_total",
			Help: "PII entities detected, by entity type and direction.",
		}, []string{"entity_type", "direction"}),
		Violations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piigate_guardrail_violations_total",
			Help: "Guardrail violations, by rule and action.",
		}, []string{"rule", "action"}),
		BlockedRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "piigate_blocked_requests_total",
			Help: "Requests blocked by guardrails.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "piigate_request_duration_seconds",
			Help:    "End-to-end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "piigate_provider_errors_total",
			Help: "Upstream provider errors, by provider and error type.",
		}, []string{"provider", "type"}),
	}
}
