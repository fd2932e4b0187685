// Package siphonerrors provides structured error handling for Siphon with rich
// context, stack traces, and error categorization. It enables consistent error
// handling patterns across the entire codebase.
//
// # Overview
//
// The siphonerrors package extends Go's standard error handling with:
//   - Error categorization through ErrorType
//   - Structured context with key-value details
//   - Automatic stack trace capture
//   - Error wrapping with cause preservation
//   - Retryability detection
//
// # Basic Usage
//
//	// Create a new error
//	err := siphonerrors.New(siphonerrors.ErrorTypeTimeout, "operation deadline exceeded")
//
//	// Add context
//	err = err.WithDetail("operation", "fetch page").
//	         WithDetail("object_id", pageID)
//
//	// Wrap existing errors
//	if err := sink.WriteRecord(item); err != nil {
//	    return siphonerrors.Wrap(err, siphonerrors.ErrorTypeChannelWrite, "failed to append record").
//	        WithDetail("path", sink.Path())
//	}
//
// # Error Types
//
// Errors are categorized by type, which drives retry decisions, circuit
// breaker accounting, and operator-facing reporting. Transient remote errors
// are retryable; permanent remote errors and validation errors are not.
//
// # Thread Safety
//
// Error instances are not thread-safe for modification. Create new
// instances or use WithDetail before sharing across goroutines.
package siphonerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error, used for retry decisions,
// circuit breaker health accounting, and operator reporting.
type ErrorType string

const (
	// ErrorTypeTimeout represents an operation that exceeded its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCircuitOpen represents a call rejected by an open circuit breaker
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeRateLimit represents a rejected request due to an empty token bucket
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTransientRemote represents a remote failure that may succeed on retry
	ErrorTypeTransientRemote ErrorType = "transient_remote"
	// ErrorTypePermanentRemote represents a remote failure that will not succeed on retry
	ErrorTypePermanentRemote ErrorType = "permanent_remote"
	// ErrorTypeChannelWrite represents an output sink write failure
	ErrorTypeChannelWrite ErrorType = "channel_write"
	// ErrorTypeCheckpoint represents a checkpoint persistence failure
	ErrorTypeCheckpoint ErrorType = "checkpoint"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
)

// Error represents a structured error with context, providing rich debugging
// information and enabling sophisticated error handling strategies.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack, capturing
// the function name, file path, and line number for debugging.
type StackFrame struct {
	Function string // Fully qualified function name
	File     string // Source file path
	Line     int    // Line number in source file
}

// Error implements the error interface, returning a formatted error message
// that includes the error type, message, and cause (if present).
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error, enabling compatibility with errors.Is
// and errors.As for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error, providing additional context
// for debugging and monitoring. This method can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message, automatically
// capturing the call stack at the point of creation.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context, preserving the original
// error as the cause. If the error is already a structured Error, its stack
// trace is preserved. Returns nil if the input error is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsRetryable returns true if the error is retryable based on its type.
// Rate limit, timeout, and transient remote errors are retryable; a rejected
// call from an open circuit breaker is not (the breaker decides when the
// dependency may be probed again).
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeTimeout, ErrorTypeTransientRemote:
		return true
	case ErrorTypeCircuitOpen, ErrorTypePermanentRemote, ErrorTypeChannelWrite,
		ErrorTypeCheckpoint, ErrorTypeConfig, ErrorTypeValidation, ErrorTypeInternal:
		return false
	default:
		return false
	}
}

// IsType checks if the error is of the given type, useful for error handling
// strategies and conditional logic based on error categories.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// TypeOf returns the error type of a structured error, or ErrorTypeInternal
// for plain errors.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// captureStack captures the current call stack up to maxFrames deep,
// skipping the specified number of frames from the top. This is used
// internally to record the call stack at error creation points.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
