// Package metrics provides Prometheus instrumentation for Siphon's export
// engine: items processed, operation latency, limiter state, rate limit hits,
// and circuit breaker trips.
//
// Collectors are registered with the default registry via promauto; an
// embedding process decides whether and where to expose them. No HTTP
// endpoint is served from this package.
//
// # Basic Usage
//
//	metrics.ItemsProcessed.WithLabelValues("pages", "success").Inc()
//
//	timer := metrics.NewTimer("transform")
//	transform(item)
//	metrics.OperationLatency.WithLabelValues("pages").Observe(float64(timer.Stop().Nanoseconds()))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed tracks the total number of exported items.
	// Labels: category (operation category), status (success/failure)
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "siphon_items_processed_total",
			Help: "Total number of items processed",
		},
		[]string{"category", "status"},
	)

	// OperationLatency tracks the distribution of operation latencies in
	// nanoseconds, per operation category.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "siphon_operation_latency_nanoseconds",
			Help: "Operation latency in nanoseconds",
			Buckets: []float64{
				1e5, // 100μs - Cached responses
				1e6, // 1ms - Fast API calls
				1e7, // 10ms - Standard API calls
				1e8, // 100ms - Slow API calls
				1e9, // 1s - Degraded remote
				5e9, // 5s - Near-timeout
			},
		},
		[]string{"category"},
	)

	// ConcurrencyLimit tracks the current dynamic concurrency limit per category
	ConcurrencyLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siphon_concurrency_limit",
			Help: "Current dynamic concurrency limit",
		},
		[]string{"category"},
	)

	// RunningOperations tracks in-flight operations per category
	RunningOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "siphon_running_operations",
			Help: "Number of in-flight operations",
		},
		[]string{"category"},
	)

	// RateLimitTokens tracks the current token bucket level
	RateLimitTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siphon_rate_limit_tokens",
			Help: "Current rate limiter token count",
		},
	)

	// RateLimitHits counts requests delayed or rejected by the rate limiter
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siphon_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
	)

	// CircuitBreakerTrips counts circuit breaker open transitions
	CircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siphon_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
	)

	// BytesWritten counts bytes appended to the output sink
	BytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "siphon_bytes_written_total",
			Help: "Total bytes written to the output sink",
		},
	)

	// MemoryUsage tracks the observed process memory during export
	MemoryUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "siphon_memory_usage_bytes",
			Help: "Observed process memory usage in bytes",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{start: time.Now(), name: name}
}

// Stop returns the elapsed time since the timer was created.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
