// Package metrics exposes the engine's Prometheus collectors. Everything
// registers on a package-private registry so tests and embedders never trip
// duplicate-registration panics against the global default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	// LLMRequests counts completion calls by provider, model and outcome
	// (ok, error, breaker_open).
	LLMRequests = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "aireview_llm_requests_total",
		Help: "LLM completion calls by provider, model and outcome.",
	}, []string{"provider", "model", "outcome"})

	// LLMDuration observes wall time of completion calls per provider.
	LLMDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aireview_llm_request_duration_seconds",
		Help:    "Latency of LLM completion calls.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"provider"})

	// Tokens counts consumed tokens by provider, model and side
	// (prompt, completion).
	Tokens = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "aireview_tokens_total",
		Help: "Token consumption by provider, model and side.",
	}, []string{"provider", "model", "side"})

	// Saturation is the router's current worker-slot saturation, 0 to 1.
	Saturation = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "aireview_llm_saturation",
		Help: "Fraction of LLM concurrency slots in use.",
	})

	// BreakerOpen reports 1 while a provider's circuit breaker is open.
	BreakerOpen = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "aireview_llm_breaker_open",
		Help: "Whether the provider's circuit breaker is currently open.",
	}, []string{"provider"})

	// JobDuration observes end-to-end background job time by kind and
	// outcome (completed, partial, failed, skipped).
	JobDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aireview_job_duration_seconds",
		Help:    "End-to-end duration of background jobs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind", "outcome"})

	// Claims counts idempotency claim attempts by job kind and outcome
	// (acquired, duplicate, running, recent).
	Claims = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "aireview_job_claims_total",
		Help: "Idempotency claim attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// QueueMessages counts consumed queue messages by kind and outcome
	// (ack, nak, skip).
	QueueMessages = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "aireview_queue_messages_total",
		Help: "Queue messages consumed by job kind and outcome.",
	}, []string{"kind", "outcome"})

	// WorkersBusy is the number of queue worker slots currently occupied.
	WorkersBusy = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "aireview_queue_workers_busy",
		Help: "Queue worker slots currently running a job.",
	})

	// ParseFailures counts LLM responses that defeated every parse stage.
	ParseFailures = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "aireview_parse_failures_total",
		Help: "LLM responses unusable after extraction and repair.",
	}, []string{"operation"})

	// ChunksPerReview observes how many chunks each review splits into.
	ChunksPerReview = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "aireview_chunks_per_review",
		Help:    "Chunk count per review job.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// CommentsPersisted counts AI comments written to the store.
	CommentsPersisted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "aireview_comments_persisted_total",
		Help: "AI review comments persisted.",
	})

	// UsageDropped counts usage rows lost to accountant backpressure.
	UsageDropped = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "aireview_usage_records_dropped_total",
		Help: "Token usage records dropped because the buffer was full.",
	})
)

// Handler serves the registry in the Prometheus text format; the daemon
// mounts it at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the package registry, for embedders that mount their
// own telemetry endpoint.
func Registry() *prometheus.Registry { return registry }
