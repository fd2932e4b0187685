package siphonerrors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// TestErrorWrappingAndType verifies type classification survives wrapping.
func TestErrorWrappingAndType(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := siphonerrors.Wrap(cause, siphonerrors.ErrorTypeTransientRemote, "fetch failed").
		WithDetail("object_id", "page-1")

	assert.True(t, siphonerrors.IsType(err, siphonerrors.ErrorTypeTransientRemote))
	assert.Equal(t, siphonerrors.ErrorTypeTransientRemote, siphonerrors.TypeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "fetch failed")
	assert.Contains(t, err.Error(), "connection refused")

	// Wrapping through fmt keeps the classification reachable
	outer := fmt.Errorf("section pages: %w", err)
	assert.True(t, siphonerrors.IsType(outer, siphonerrors.ErrorTypeTransientRemote))
}

// TestIsRetryable verifies the retryability classification: quota and
// transport failures retry, circuit rejections and permanent failures do not.
func TestIsRetryable(t *testing.T) {
	retryable := []siphonerrors.ErrorType{
		siphonerrors.ErrorTypeRateLimit,
		siphonerrors.ErrorTypeTimeout,
		siphonerrors.ErrorTypeTransientRemote,
	}
	for _, et := range retryable {
		assert.True(t, siphonerrors.IsRetryable(siphonerrors.New(et, "x")), "%s must retry", et)
	}

	notRetryable := []siphonerrors.ErrorType{
		siphonerrors.ErrorTypeCircuitOpen,
		siphonerrors.ErrorTypePermanentRemote,
		siphonerrors.ErrorTypeValidation,
		siphonerrors.ErrorTypeConfig,
		siphonerrors.ErrorTypeChannelWrite,
	}
	for _, et := range notRetryable {
		assert.False(t, siphonerrors.IsRetryable(siphonerrors.New(et, "x")), "%s must not retry", et)
	}

	assert.False(t, siphonerrors.IsRetryable(errors.New("plain")))
	assert.False(t, siphonerrors.IsRetryable(nil))
}

// TestTypeOfUnclassified verifies plain errors map to the internal type.
func TestTypeOfUnclassified(t *testing.T) {
	assert.Equal(t, siphonerrors.ErrorTypeInternal, siphonerrors.TypeOf(errors.New("plain")))
}

// TestDetails verifies detail accumulation.
func TestDetails(t *testing.T) {
	err := siphonerrors.New(siphonerrors.ErrorTypeCheckpoint, "save failed").
		WithDetail("path", "/tmp/x").
		WithDetail("attempt", 2)

	require.NotNil(t, err.Details)
	assert.Equal(t, "/tmp/x", err.Details["path"])
	assert.Equal(t, 2, err.Details["attempt"])
}
