// Package ratelimit implements an adaptive token bucket rate limiter for
// remote API request pacing. The local bucket refills continuously from the
// configured request budget; remote quota signals carried in response
// metadata are adopted as ground truth for statistics and shrink the
// effective issuance rate when the shared quota runs hot.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/metrics"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// RemoteSignal carries the quota metadata a remote API response exposes.
// The zero value of any field means "not reported".
type RemoteSignal struct {
	Remaining    int           `json:"remaining"`
	Limit        int           `json:"limit"`
	ResetTime    time.Time     `json:"reset_time"`
	ResponseTime time.Duration `json:"response_time"`
	WasError     bool          `json:"was_error"`
}

// Config is the configuration for an adaptive rate limiter
type Config struct {
	// MaxRequests is the request budget per window, and the bucket capacity
	MaxRequests int
	// Window is the budget window
	Window time.Duration
	// HistorySize bounds response-time and retry histories (default 100)
	HistorySize int
}

// AdaptiveLimiter is a token bucket rate limiter that adapts to remote quota
// feedback. Token count stays within [0, MaxRequests] at all observation
// points.
type AdaptiveLimiter struct {
	config  Config
	logger  *zap.Logger
	clock   host.Clock
	emitter events.Emitter

	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	rateScale  float64 // quota-driven issuance multiplier, (0, 1]
	lastRefill time.Time

	// Remote quota signal, adopted as ground truth for statistics
	remoteRemaining int
	remoteLimit     int
	remoteResetTime time.Time

	// Bounded histories
	responseTimes []time.Duration
	outcomes      []bool // true = success
	sampleCount   int
	sampleIndex   int
	retryResults  []bool
	retryCount    int
	retryIndex    int

	// Counters
	allowed int64
	waited  int64
	denied  int64

	mu sync.Mutex
}

// Option configures optional limiter collaborators.
type Option func(*AdaptiveLimiter)

// WithClock substitutes the clock, for tests.
func WithClock(clock host.Clock) Option {
	return func(al *AdaptiveLimiter) { al.clock = clock }
}

// WithEmitter attaches an event emitter for rate-limit events.
func WithEmitter(emitter events.Emitter) Option {
	return func(al *AdaptiveLimiter) { al.emitter = emitter }
}

// New creates an adaptive rate limiter with a full bucket.
func New(config Config, logger *zap.Logger, opts ...Option) *AdaptiveLimiter {
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}

	al := &AdaptiveLimiter{
		config:        config,
		logger:        logger.With(zap.String("component", "rate_limiter")),
		clock:         host.RealClock{},
		emitter:       events.NopEmitter{},
		maxTokens:     float64(config.MaxRequests),
		tokens:        float64(config.MaxRequests),
		refillRate:    float64(config.MaxRequests) / config.Window.Seconds(),
		rateScale:     1.0,
		responseTimes: make([]time.Duration, config.HistorySize),
		outcomes:      make([]bool, config.HistorySize),
		retryResults:  make([]bool, config.HistorySize),
	}
	for _, opt := range opts {
		opt(al)
	}
	al.lastRefill = al.clock.Now()
	return al
}

// TryConsume attempts to consume n tokens. It succeeds only if enough tokens
// are available; on failure the bucket is left untouched.
func (al *AdaptiveLimiter) TryConsume(n int) bool {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.refill()

	need := float64(n)
	if al.tokens >= need {
		al.tokens -= need
		al.allowed++
		metrics.RateLimitTokens.Set(al.tokens)
		return true
	}

	al.denied++
	metrics.RateLimitHits.Inc()
	return false
}

// Wait blocks until one token is available, computing the exact wait from the
// token deficit and refill rate rather than polling. Returns a rate_limit
// error only if the context is canceled first.
func (al *AdaptiveLimiter) Wait(ctx context.Context) error {
	for {
		al.mu.Lock()
		al.refill()

		if al.tokens >= 1.0 {
			al.tokens--
			al.allowed++
			metrics.RateLimitTokens.Set(al.tokens)
			al.mu.Unlock()
			return nil
		}

		waitTime := al.timeUntilTokensLocked(1.0)
		al.waited++
		metrics.RateLimitHits.Inc()
		al.mu.Unlock()

		al.emitter.Emit(events.EventRateLimit, map[string]interface{}{
			"wait_ms": waitTime.Milliseconds(),
		})

		if err := al.clock.Sleep(ctx, waitTime); err != nil {
			return siphonerrors.Wrap(err, siphonerrors.ErrorTypeRateLimit,
				"canceled while waiting for rate limit tokens")
		}
	}
}

// Tokens returns the current token count after refilling.
func (al *AdaptiveLimiter) Tokens() float64 {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.refill()
	return al.tokens
}

// TimeUntilNextToken returns how long until at least one token is available.
// Returns zero when a token is already available.
func (al *AdaptiveLimiter) TimeUntilNextToken() time.Duration {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.refill()

	if al.tokens >= 1.0 {
		return 0
	}
	return al.timeUntilTokensLocked(1.0)
}

// UpdateFromResponse feeds remote quota metadata and the measured outcome of
// one request into the limiter. High quota utilization (> 0.8) halves the
// effective issuance rate; once utilization relaxes below 0.5 the full rate
// is restored.
func (al *AdaptiveLimiter) UpdateFromResponse(signal RemoteSignal) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.refill()

	if signal.Limit > 0 {
		al.remoteRemaining = signal.Remaining
		al.remoteLimit = signal.Limit
		if !signal.ResetTime.IsZero() {
			al.remoteResetTime = signal.ResetTime
		}

		utilization := 1.0 - float64(signal.Remaining)/float64(signal.Limit)
		switch {
		case utilization > 0.8 && al.rateScale == 1.0:
			al.rateScale = 0.5
			al.logger.Warn("remote quota running hot, halving issuance rate",
				zap.Float64("quota_utilization", utilization),
				zap.Int("remaining", signal.Remaining))
		case utilization < 0.5 && al.rateScale < 1.0:
			al.rateScale = 1.0
			al.logger.Info("remote quota recovered, restoring issuance rate",
				zap.Float64("quota_utilization", utilization))
		}
	}

	al.responseTimes[al.sampleIndex] = signal.ResponseTime
	al.outcomes[al.sampleIndex] = !signal.WasError
	al.sampleIndex = (al.sampleIndex + 1) % len(al.responseTimes)
	if al.sampleCount < len(al.responseTimes) {
		al.sampleCount++
	}
}

// RecordRetry records one retry attempt's outcome for observability.
func (al *AdaptiveLimiter) RecordRetry(success bool) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.retryResults[al.retryIndex] = success
	al.retryIndex = (al.retryIndex + 1) % len(al.retryResults)
	if al.retryCount < len(al.retryResults) {
		al.retryCount++
	}
}

// Stats provides a snapshot of rate limiter state for monitoring.
type Stats struct {
	Tokens              float64       `json:"tokens"`
	MaxTokens           float64       `json:"max_tokens"`
	RefillRate          float64       `json:"refill_rate"`
	RateScale           float64       `json:"rate_scale"`
	RemainingRequests   int           `json:"remaining_requests"`
	RemoteLimit         int           `json:"remote_limit"`
	ResetTime           time.Time     `json:"reset_time,omitempty"`
	QuotaUtilization    float64       `json:"quota_utilization"`
	SuccessRate         float64       `json:"success_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	RetryAttempts       int           `json:"retry_attempts"`
	RetrySuccesses      int           `json:"retry_successes"`
	AllowedRequests     int64         `json:"allowed_requests"`
	WaitedRequests      int64         `json:"waited_requests"`
	DeniedRequests      int64         `json:"denied_requests"`
}

// Stats returns a snapshot of the limiter state. When the remote API has
// reported quota, the remote figures are treated as ground truth.
func (al *AdaptiveLimiter) Stats() Stats {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.refill()

	s := Stats{
		Tokens:            al.tokens,
		MaxTokens:         al.maxTokens,
		RefillRate:        al.refillRate,
		RateScale:         al.rateScale,
		RemainingRequests: al.remoteRemaining,
		RemoteLimit:       al.remoteLimit,
		ResetTime:         al.remoteResetTime,
		AllowedRequests:   al.allowed,
		WaitedRequests:    al.waited,
		DeniedRequests:    al.denied,
	}

	if al.remoteLimit > 0 {
		s.QuotaUtilization = 1.0 - float64(al.remoteRemaining)/float64(al.remoteLimit)
	}

	if al.sampleCount > 0 {
		var sum time.Duration
		successes := 0
		for i := 0; i < al.sampleCount; i++ {
			sum += al.responseTimes[i]
			if al.outcomes[i] {
				successes++
			}
		}
		s.AverageResponseTime = sum / time.Duration(al.sampleCount)
		s.SuccessRate = float64(successes) / float64(al.sampleCount)
	}

	s.RetryAttempts = al.retryCount
	for i := 0; i < al.retryCount; i++ {
		if al.retryResults[i] {
			s.RetrySuccesses++
		}
	}

	return s
}

// refill adds tokens based on elapsed time at the quota-scaled rate.
// Callers must hold al.mu.
func (al *AdaptiveLimiter) refill() {
	now := al.clock.Now()
	elapsed := now.Sub(al.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}

	al.tokens += elapsed * al.refillRate * al.rateScale
	if al.tokens > al.maxTokens {
		al.tokens = al.maxTokens
	}
	al.lastRefill = now
}

// timeUntilTokensLocked computes the wait for the given token count from the
// deficit and effective refill rate. Callers must hold al.mu.
func (al *AdaptiveLimiter) timeUntilTokensLocked(need float64) time.Duration {
	deficit := need - al.tokens
	if deficit <= 0 {
		return 0
	}
	effective := al.refillRate * al.rateScale
	return time.Duration(deficit / effective * float64(time.Second))
}
