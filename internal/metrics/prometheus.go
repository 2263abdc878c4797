// Package metrics exposes Prometheus instrumentation for the dispatch
// engine: request outcomes, retry activity, rate-limit pressure, and key
// pool cooldowns.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmrelay"

// LatencyBuckets defines histogram buckets for request latency in seconds.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts dispatched completion requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total completion requests dispatched",
		},
		[]string{"provider", "model", "outcome"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end completion request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider", "model"},
	)

	// RetriesTotal counts transport retries by reason.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total request retries by reason (transport, rate_limit)",
		},
		[]string{"provider", "reason"},
	)

	// RateLimitHits counts rate-limit signals observed from providers.
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total rate-limit responses observed",
		},
		[]string{"provider"},
	)

	// KeyCooldowns counts credentials placed on cooldown.
	KeyCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cooldowns_total",
			Help:      "Total API keys placed on rate-limit cooldown",
		},
		[]string{"provider"},
	)

	// StreamChunks counts streamed chunks delivered to callers.
	StreamChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Total streaming chunks delivered",
		},
		[]string{"provider"},
	)
)
