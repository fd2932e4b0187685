package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/siphon/pkg/breaker"
	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

func newTestBreaker(t *testing.T, cfg breaker.Config, clock host.Clock) *breaker.Breaker {
	t.Helper()
	return breaker.New(cfg, zaptest.NewLogger(t), breaker.WithClock(clock))
}

// TestBreaker_OpensAfterThreshold verifies the failure threshold opens the
// circuit and that subsequent calls fail fast.
func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	b := newTestBreaker(t, breaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
	}, clock)

	assert.Equal(t, breaker.StateClosed, b.State())

	boom := errors.New("remote exploded")
	for i := 0; i < 2; i++ {
		b.RecordFailure(boom)
		assert.Equal(t, breaker.StateClosed, b.State())
	}

	b.RecordFailure(boom)
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.False(t, b.CanProceed())

	err := b.Execute(context.Background(), func() error {
		t.Fatal("function must not run while open")
		return nil
	})
	require.Error(t, err)
	assert.True(t, siphonerrors.IsType(err, siphonerrors.ErrorTypeCircuitOpen))
}

// TestBreaker_HalfOpenAfterResetTimeout verifies the open-to-half-open
// transition happens on the first admission check after the timeout, and that
// exactly one probe is admitted.
func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	b := newTestBreaker(t, breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
	}, clock)

	b.RecordFailure(errors.New("boom"))
	require.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(999 * time.Millisecond)
	assert.False(t, b.CanProceed())
	assert.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(2 * time.Millisecond)
	assert.True(t, b.CanProceed())
	assert.Equal(t, breaker.StateHalfOpen, b.State())

	// The probe is outstanding, nothing else gets through
	assert.False(t, b.CanProceed())
}

// TestBreaker_ProbeOutcome verifies the probe result decides between closing
// and reopening the circuit.
func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		clock := host.NewFakeClock(time.Unix(1000, 0))
		b := newTestBreaker(t, breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

		b.RecordFailure(errors.New("boom"))
		clock.Advance(time.Second)
		require.True(t, b.CanProceed())

		b.RecordSuccess()
		assert.Equal(t, breaker.StateClosed, b.State())

		// Failure count was reset on close
		b.RecordFailure(errors.New("boom"))
		assert.Equal(t, breaker.StateOpen, b.State())
	})

	t.Run("failure reopens", func(t *testing.T) {
		clock := host.NewFakeClock(time.Unix(1000, 0))
		b := newTestBreaker(t, breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

		b.RecordFailure(errors.New("boom"))
		clock.Advance(time.Second)
		require.True(t, b.CanProceed())

		b.RecordFailure(errors.New("still broken"))
		assert.Equal(t, breaker.StateOpen, b.State())
		assert.False(t, b.CanProceed())

		// A fresh timeout window starts from the reopen
		clock.Advance(time.Second)
		assert.True(t, b.CanProceed())
		assert.Equal(t, breaker.StateHalfOpen, b.State())
	})
}

// TestBreaker_ExpectedErrorsExcluded verifies configured business failures
// never count toward the threshold.
func TestBreaker_ExpectedErrorsExcluded(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	b := newTestBreaker(t, breaker.Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		ExpectedErrors:   []string{"object_not_found", string(siphonerrors.ErrorTypeValidation)},
	}, clock)

	for i := 0; i < 10; i++ {
		b.RecordFailure(errors.New("object_not_found: page gone"))
		b.RecordFailure(siphonerrors.New(siphonerrors.ErrorTypeValidation, "bad cursor"))
	}
	assert.Equal(t, breaker.StateClosed, b.State())

	// Real failures still count
	b.RecordFailure(errors.New("connection refused"))
	b.RecordFailure(errors.New("connection refused"))
	assert.Equal(t, breaker.StateOpen, b.State())
}

// TestBreaker_Execute verifies success and failure paths through Execute.
func TestBreaker_Execute(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	b := newTestBreaker(t, breaker.Config{FailureThreshold: 2, ResetTimeout: time.Second}, clock)

	err := b.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)

	boom := errors.New("boom")
	err = b.Execute(context.Background(), func() error { return boom })
	assert.Equal(t, boom, err)

	stats := b.Stats()
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.FailureCount)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Execute(ctx, func() error {
		t.Fatal("function must not run with canceled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestBreaker_ForceOpenAndReset verifies the operator overrides.
func TestBreaker_ForceOpenAndReset(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	b := newTestBreaker(t, breaker.Config{FailureThreshold: 5, ResetTimeout: time.Minute}, clock)

	b.ForceOpen()
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.False(t, b.CanProceed())

	b.Reset()
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.True(t, b.CanProceed())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

// TestBreaker_RejectingIsReadOnly verifies Rejecting observes the breaker
// without transitioning state or consuming the half-open probe admission.
func TestBreaker_RejectingIsReadOnly(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	b := newTestBreaker(t, breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second}, clock)

	assert.False(t, b.Rejecting())

	b.RecordFailure(errors.New("boom"))
	require.Equal(t, breaker.StateOpen, b.State())
	assert.True(t, b.Rejecting())

	clock.Advance(time.Second)
	assert.False(t, b.Rejecting())
	assert.Equal(t, breaker.StateOpen, b.State())

	// The probe admission is still there for CanProceed
	assert.True(t, b.CanProceed())
	assert.Equal(t, breaker.StateHalfOpen, b.State())
}

// TestBreaker_TransitionEvents verifies state transitions are emitted.
func TestBreaker_TransitionEvents(t *testing.T) {
	clock := host.NewFakeClock(time.Unix(1000, 0))
	rec := &events.RecordingEmitter{}
	b := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second},
		zaptest.NewLogger(t), breaker.WithClock(clock), breaker.WithEmitter(rec))

	b.RecordFailure(errors.New("boom"))
	clock.Advance(time.Second)
	require.True(t, b.CanProceed())
	b.RecordSuccess()

	transitions := rec.Named(events.EventCircuitBreaker)
	require.Len(t, transitions, 3)
	assert.Equal(t, "open", transitions[0].Payload["to"])
	assert.Equal(t, "half_open", transitions[1].Payload["to"])
	assert.Equal(t, "closed", transitions[2].Payload["to"])
}
