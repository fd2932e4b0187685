package export

import (
	"sync/atomic"
	"time"
)

// Analytics tracks monotonically increasing counters for one export run.
// Counters are reset only by explicit operator action (Reset).
type Analytics struct {
	startTime time.Time

	apiCalls            int64
	errors              int64
	bytesTransferred    int64
	peakMemoryBytes     int64
	rateLimitHits       int64
	circuitBreakerTrips int64
}

// NewAnalytics creates an analytics tracker for a run starting now.
func NewAnalytics() *Analytics {
	return &Analytics{startTime: time.Now()}
}

// RecordAPICall counts one remote API call
func (a *Analytics) RecordAPICall() { atomic.AddInt64(&a.apiCalls, 1) }

// RecordError counts one failed item
func (a *Analytics) RecordError() { atomic.AddInt64(&a.errors, 1) }

// RecordBytes counts bytes written to the sink
func (a *Analytics) RecordBytes(n int64) { atomic.AddInt64(&a.bytesTransferred, n) }

// RecordRateLimitHit counts one rate limiter delay or rejection
func (a *Analytics) RecordRateLimitHit() { atomic.AddInt64(&a.rateLimitHits, 1) }

// RecordBreakerTrip counts one circuit breaker open transition
func (a *Analytics) RecordBreakerTrip() { atomic.AddInt64(&a.circuitBreakerTrips, 1) }

// ObserveMemory updates the peak memory watermark.
func (a *Analytics) ObserveMemory(bytes uint64) {
	for {
		peak := atomic.LoadInt64(&a.peakMemoryBytes)
		if int64(bytes) <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&a.peakMemoryBytes, peak, int64(bytes)) {
			return
		}
	}
}

// Reset zeroes all counters. Operator action only.
func (a *Analytics) Reset() {
	atomic.StoreInt64(&a.apiCalls, 0)
	atomic.StoreInt64(&a.errors, 0)
	atomic.StoreInt64(&a.bytesTransferred, 0)
	atomic.StoreInt64(&a.peakMemoryBytes, 0)
	atomic.StoreInt64(&a.rateLimitHits, 0)
	atomic.StoreInt64(&a.circuitBreakerTrips, 0)
	a.startTime = time.Now()
}

// Summary is a point-in-time view of the run's analytics.
type Summary struct {
	Elapsed             time.Duration `json:"elapsed"`
	APICalls            int64         `json:"api_calls"`
	Errors              int64         `json:"errors"`
	ErrorRate           float64       `json:"error_rate"`
	BytesTransferred    int64         `json:"bytes_transferred"`
	PeakMemoryBytes     int64         `json:"peak_memory_bytes"`
	RateLimitHits       int64         `json:"rate_limit_hits"`
	CircuitBreakerTrips int64         `json:"circuit_breaker_trips"`
	Throughput          float64       `json:"throughput_per_second"`
}

// Snapshot returns the current analytics. itemsProcessed feeds the
// throughput figure since analytics does not track item completions itself.
func (a *Analytics) Snapshot(itemsProcessed int64) Summary {
	elapsed := time.Since(a.startTime)
	calls := atomic.LoadInt64(&a.apiCalls)
	errs := atomic.LoadInt64(&a.errors)

	s := Summary{
		Elapsed:             elapsed,
		APICalls:            calls,
		Errors:              errs,
		BytesTransferred:    atomic.LoadInt64(&a.bytesTransferred),
		PeakMemoryBytes:     atomic.LoadInt64(&a.peakMemoryBytes),
		RateLimitHits:       atomic.LoadInt64(&a.rateLimitHits),
		CircuitBreakerTrips: atomic.LoadInt64(&a.circuitBreakerTrips),
	}
	if calls > 0 {
		s.ErrorRate = float64(errs) / float64(calls)
	}
	if sec := elapsed.Seconds(); sec > 0 {
		s.Throughput = float64(itemsProcessed) / sec
	}
	return s
}
