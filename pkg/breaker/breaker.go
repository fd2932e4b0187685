// Package breaker implements the circuit breaker pattern for remote API
// calls, preventing cascading failures by failing fast while the dependency
// is unhealthy.
package breaker

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/metrics"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// State represents the state of the circuit breaker
type State int32

const (
	// StateClosed allows all requests to pass through
	StateClosed State = iota
	// StateOpen blocks all requests until the reset timeout elapses
	StateOpen
	// StateHalfOpen allows a single probe request to test recovery
	StateHalfOpen
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config is the configuration for a circuit breaker
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a half-open probe
	ResetTimeout time.Duration
	// ExpectedErrors lists markers for business failures that must not count
	// against dependency health (matched against error message and type)
	ExpectedErrors []string
}

// Breaker is a failure-rate state machine guarding one remote operation.
// A run of non-expected failures opens the circuit; after ResetTimeout a
// single probe is admitted, and its outcome decides between closing the
// circuit and reopening it.
type Breaker struct {
	config  Config
	logger  *zap.Logger
	clock   host.Clock
	emitter events.Emitter

	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	nextRetryTime    time.Time
	probeOutstanding bool

	mu sync.Mutex
}

// Option configures optional breaker collaborators.
type Option func(*Breaker)

// WithClock substitutes the clock, for tests.
func WithClock(clock host.Clock) Option {
	return func(b *Breaker) { b.clock = clock }
}

// WithEmitter attaches an event emitter for state transition events.
func WithEmitter(emitter events.Emitter) Option {
	return func(b *Breaker) { b.emitter = emitter }
}

// New creates a circuit breaker in the closed state.
func New(config Config, logger *zap.Logger, opts ...Option) *Breaker {
	b := &Breaker{
		config:  config,
		logger:  logger.With(zap.String("component", "circuit_breaker")),
		clock:   host.RealClock{},
		emitter: events.NopEmitter{},
		state:   StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs a function with circuit breaker protection. If the circuit is
// open it returns a circuit_open error immediately without executing the
// function. Otherwise it executes the function and records the result.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !b.CanProceed() {
		return siphonerrors.New(siphonerrors.ErrorTypeCircuitOpen, "circuit breaker is open").
			WithDetail("retry_after", b.retryAfter())
	}

	err := fn()
	if err != nil {
		b.RecordFailure(err)
		return err
	}

	b.RecordSuccess()
	return nil
}

// CanProceed determines if a request should be admitted based on the current
// state. In the open state, the first check after the reset timeout elapses
// transitions to half-open and admits exactly that call.
func (b *Breaker) CanProceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if !b.clock.Now().Before(b.nextRetryTime) {
			b.transitionTo(StateHalfOpen)
			b.probeOutstanding = true
			return true
		}
		return false

	case StateHalfOpen:
		// Only one probe at a time
		if b.probeOutstanding {
			return false
		}
		b.probeOutstanding = true
		return true

	default:
		return false
	}
}

// Rejecting reports whether the breaker is currently failing fast. Unlike
// CanProceed it never admits a probe, so callers can observe the breaker
// without consuming the half-open admission.
func (b *Breaker) Rejecting() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.clock.Now().Before(b.nextRetryTime)
}

// RecordSuccess records a successful call. In the closed state it resets the
// failure count; in the half-open state it closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.lastSuccessTime = b.clock.Now()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.probeOutstanding = false
		b.failureCount = 0
		b.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed call. Expected errors are excluded from
// counting and never affect state. In the closed state, reaching the failure
// threshold opens the circuit; in the half-open state any failure reopens it.
func (b *Breaker) RecordFailure(err error) {
	if b.isExpected(err) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.clock.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.open()
		}

	case StateHalfOpen:
		b.probeOutstanding = false
		b.open()
	}
}

// ForceOpen opens the circuit manually, for operator override and tests.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open()
}

// Reset closes the circuit and clears all counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.successCount = 0
	b.probeOutstanding = false
	b.transitionTo(StateClosed)
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats represents the current state and counters of a circuit breaker
type Stats struct {
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime time.Time `json:"last_success_time,omitempty"`
	NextRetryTime   time.Time `json:"next_retry_time,omitempty"`
}

// Stats returns the current state and counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastSuccessTime: b.lastSuccessTime,
		NextRetryTime:   b.nextRetryTime,
	}
}

// open transitions to the open state and schedules the next probe.
// Callers must hold b.mu.
func (b *Breaker) open() {
	b.nextRetryTime = b.clock.Now().Add(b.config.ResetTimeout)
	b.transitionTo(StateOpen)
	metrics.CircuitBreakerTrips.Inc()
}

// transitionTo changes state and logs the transition. Callers must hold b.mu.
func (b *Breaker) transitionTo(state State) {
	if b.state == state {
		return
	}

	from := b.state
	b.state = state

	switch state {
	case StateOpen:
		b.logger.Warn("circuit breaker opened",
			zap.String("from", from.String()),
			zap.Int("failure_count", b.failureCount),
			zap.Time("retry_after", b.nextRetryTime))
	case StateHalfOpen:
		b.logger.Info("circuit breaker half-open")
	case StateClosed:
		b.logger.Info("circuit breaker closed")
	}

	b.emitter.Emit(events.EventCircuitBreaker, map[string]interface{}{
		"from": from.String(),
		"to":   state.String(),
	})
}

// isExpected reports whether the error matches the configured expected-error
// markers. Both the structured error type and the message text are checked.
func (b *Breaker) isExpected(err error) bool {
	if err == nil {
		return true
	}

	msg := err.Error()
	errType := string(siphonerrors.TypeOf(err))

	for _, marker := range b.config.ExpectedErrors {
		if marker == "" {
			continue
		}
		if strings.Contains(msg, marker) || errType == marker {
			return true
		}
	}
	return false
}

func (b *Breaker) retryAfter() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextRetryTime
}
