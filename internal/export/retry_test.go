package export_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/siphon/internal/export"
	"github.com/ajitpratap0/siphon/pkg/breaker"
	"github.com/ajitpratap0/siphon/pkg/config"
	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

func fastRetryConfig(attempts int) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:     attempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		Multiplier:      2.0,
		TransientErrors: []string{"service unavailable"},
	}
}

// TestRetryPolicy_RetriesTransientErrors verifies transient failures are
// retried until success.
func TestRetryPolicy_RetriesTransientErrors(t *testing.T) {
	rp := export.NewRetryPolicy(fastRetryConfig(3), nil, nil,
		zaptest.NewLogger(t), nil, nil)

	calls := 0
	err := rp.Execute(context.Background(), "fetch page", func() error {
		calls++
		if calls < 3 {
			return siphonerrors.New(siphonerrors.ErrorTypeTransientRemote, "remote hiccup")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

// TestRetryPolicy_MessageMarkersAreTransient verifies plain errors matching
// the configured markers are retried too.
func TestRetryPolicy_MessageMarkersAreTransient(t *testing.T) {
	rp := export.NewRetryPolicy(fastRetryConfig(2), nil, nil,
		zaptest.NewLogger(t), nil, nil)

	calls := 0
	err := rp.Execute(context.Background(), "fetch", func() error {
		calls++
		if calls == 1 {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

// TestRetryPolicy_NonTransientFailsFast verifies permanent errors are never
// retried.
func TestRetryPolicy_NonTransientFailsFast(t *testing.T) {
	rp := export.NewRetryPolicy(fastRetryConfig(5), nil, nil,
		zaptest.NewLogger(t), nil, nil)

	calls := 0
	permanent := siphonerrors.New(siphonerrors.ErrorTypePermanentRemote, "401 unauthorized")
	err := rp.Execute(context.Background(), "fetch", func() error {
		calls++
		return permanent
	})

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

// TestRetryPolicy_ExhaustionKeepsErrorType verifies the final wrapped error
// still carries the underlying type.
func TestRetryPolicy_ExhaustionKeepsErrorType(t *testing.T) {
	rp := export.NewRetryPolicy(fastRetryConfig(3), nil, nil,
		zaptest.NewLogger(t), nil, nil)

	calls := 0
	err := rp.Execute(context.Background(), "fetch", func() error {
		calls++
		return siphonerrors.New(siphonerrors.ErrorTypeRateLimit, "429 too many requests")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, siphonerrors.IsType(err, siphonerrors.ErrorTypeRateLimit))
	assert.Contains(t, err.Error(), "all retry attempts failed")
}

// TestRetryPolicy_OpenBreakerFailsFast verifies no attempt is made while the
// circuit is open, and the rejection is never itself retried.
func TestRetryPolicy_OpenBreakerFailsFast(t *testing.T) {
	brk := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute},
		zaptest.NewLogger(t))
	brk.ForceOpen()

	rp := export.NewRetryPolicy(fastRetryConfig(3), brk, nil,
		zaptest.NewLogger(t), nil, nil)

	err := rp.Execute(context.Background(), "fetch", func() error {
		t.Fatal("must not execute while circuit is open")
		return nil
	})

	require.Error(t, err)
	assert.True(t, siphonerrors.IsType(err, siphonerrors.ErrorTypeCircuitOpen))
}

// TestRetryPolicy_BreakerRecoversAfterReset verifies the pre-attempt breaker
// check never consumes the half-open probe: once the reset timeout elapses,
// the next call through the policy executes and closes the circuit.
func TestRetryPolicy_BreakerRecoversAfterReset(t *testing.T) {
	clk := host.NewFakeClock(time.Now())
	brk := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Second},
		zaptest.NewLogger(t), breaker.WithClock(clk))
	rp := export.NewRetryPolicy(fastRetryConfig(1), brk, nil,
		zaptest.NewLogger(t), clk, nil)

	boom := siphonerrors.New(siphonerrors.ErrorTypePermanentRemote, "500 remote down")
	err := rp.Execute(context.Background(), "fetch", func() error {
		return brk.Execute(context.Background(), func() error { return boom })
	})
	require.Error(t, err)
	require.Equal(t, breaker.StateOpen, brk.State())

	// Inside the reset window the call fails fast without executing
	err = rp.Execute(context.Background(), "fetch", func() error {
		return brk.Execute(context.Background(), func() error {
			t.Fatal("must not execute while circuit is open")
			return nil
		})
	})
	require.True(t, siphonerrors.IsType(err, siphonerrors.ErrorTypeCircuitOpen))

	clk.Advance(time.Second + time.Millisecond)

	calls := 0
	err = rp.Execute(context.Background(), "fetch", func() error {
		return brk.Execute(context.Background(), func() error {
			calls++
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, breaker.StateClosed, brk.State())
}

// TestRetryPolicy_EmitsRetryEvents verifies each backoff emits a retry event.
func TestRetryPolicy_EmitsRetryEvents(t *testing.T) {
	rec := &events.RecordingEmitter{}
	rp := export.NewRetryPolicy(fastRetryConfig(3), nil, nil,
		zaptest.NewLogger(t), nil, rec)

	_ = rp.Execute(context.Background(), "fetch", func() error {
		return siphonerrors.New(siphonerrors.ErrorTypeTimeout, "deadline exceeded")
	})

	retries := rec.Named(events.EventRetry)
	require.Len(t, retries, 2)
	assert.Equal(t, "fetch", retries[0].Payload["operation"])
}
