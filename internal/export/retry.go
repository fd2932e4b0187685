package export

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/breaker"
	"github.com/ajitpratap0/siphon/pkg/config"
	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/ratelimit"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// RetryPolicy retries transient remote failures with exponential backoff and
// jitter. It sits above the limiters: before each attempt it consults the
// circuit breaker's state and waits for rate limiter tokens, and it never
// retries errors outside the transient allow-list.
type RetryPolicy struct {
	config  config.RetryConfig
	logger  *zap.Logger
	clock   host.Clock
	emitter events.Emitter

	breaker *breaker.Breaker
	rate    *ratelimit.AdaptiveLimiter
}

// NewRetryPolicy creates a retry policy wired to the given breaker and rate
// limiter. Either collaborator may be nil, in which case its check is
// skipped.
func NewRetryPolicy(cfg config.RetryConfig, brk *breaker.Breaker, rate *ratelimit.AdaptiveLimiter,
	logger *zap.Logger, clock host.Clock, emitter events.Emitter) *RetryPolicy {
	if clock == nil {
		clock = host.RealClock{}
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &RetryPolicy{
		config:  cfg,
		logger:  logger.With(zap.String("component", "retry")),
		clock:   clock,
		emitter: emitter,
		breaker: brk,
		rate:    rate,
	}
}

// Execute runs fn with the retry policy. The breaker rejection error is
// surfaced as-is (retrying an open circuit is the breaker's decision, not
// ours); non-transient errors are returned on first failure.
func (rp *RetryPolicy) Execute(ctx context.Context, name string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < rp.config.MaxAttempts; attempt++ {
		// Admission itself is the breaker's job inside fn; this check must
		// not consume the half-open probe slot
		if rp.breaker != nil && rp.breaker.Rejecting() {
			return siphonerrors.New(siphonerrors.ErrorTypeCircuitOpen, "circuit breaker is open").
				WithDetail("operation", name)
		}

		if rp.rate != nil {
			if err := rp.rate.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn()
		if err == nil {
			if attempt > 0 && rp.rate != nil {
				rp.rate.RecordRetry(true)
			}
			return nil
		}

		lastErr = err

		if siphonerrors.IsType(err, siphonerrors.ErrorTypeCircuitOpen) {
			return err
		}
		if !rp.isTransient(err) {
			return err
		}

		// Don't retry on the last attempt
		if attempt == rp.config.MaxAttempts-1 {
			break
		}

		if rp.rate != nil {
			rp.rate.RecordRetry(false)
		}

		delay := rp.calculateDelay(attempt)
		rp.emitter.Emit(events.EventRetry, map[string]interface{}{
			"operation": name,
			"attempt":   attempt + 1,
			"delay_ms":  delay.Milliseconds(),
			"error":     err.Error(),
		})
		rp.logger.Debug("retrying after transient failure",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		if err := rp.clock.Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return siphonerrors.Wrap(lastErr, siphonerrors.TypeOf(lastErr),
		"all retry attempts failed").WithDetail("operation", name).
		WithDetail("attempts", rp.config.MaxAttempts)
}

// isTransient reports whether the error matches the transient allow-list,
// checking the structured error type first, then message markers.
func (rp *RetryPolicy) isTransient(err error) bool {
	if siphonerrors.IsRetryable(err) {
		return true
	}

	msg := err.Error()
	for _, marker := range rp.config.TransientErrors {
		if marker != "" && strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// calculateDelay computes the backoff delay for a given attempt with
// exponential growth, a hard cap, and jitter.
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.config.InitialDelay) * math.Pow(rp.config.Multiplier, float64(attempt))
	if delay > float64(rp.config.MaxDelay) {
		delay = float64(rp.config.MaxDelay)
	}

	if rp.config.RandomizeFactor > 0 {
		delta := delay * rp.config.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta //nolint:gosec // jitter, not crypto
	}

	return time.Duration(delay)
}
