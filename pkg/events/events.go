// Package events defines the narrow event-emission port used for decoupled
// observability. The core components publish named events through an Emitter;
// consumers are optional and never required for correctness.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Well-known event names emitted by the core.
const (
	EventAPICall        = "api-call"
	EventRetry          = "retry"
	EventCircuitBreaker = "circuit-breaker"
	EventRateLimit      = "rate-limit"
	EventCheckpoint     = "checkpoint"
	EventBackpressure   = "backpressure"
)

// Emitter publishes a named event with an arbitrary payload. Implementations
// must be safe for concurrent use and must not block the caller for long;
// the core treats emission as fire-and-forget.
type Emitter interface {
	Emit(name string, payload map[string]interface{})
}

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit discards the event
func (NopEmitter) Emit(string, map[string]interface{}) {}

// LogEmitter writes events to a zap logger at debug level.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With(zap.String("component", "events"))}
}

// Emit logs the event name and payload
func (le *LogEmitter) Emit(name string, payload map[string]interface{}) {
	le.logger.Debug("event", zap.String("event", name), zap.Any("payload", payload))
}

// RecordingEmitter captures events in memory for tests and diagnostics.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// RecordedEvent is one captured event.
type RecordedEvent struct {
	Name    string
	Payload map[string]interface{}
}

// Emit records the event
func (re *RecordingEmitter) Emit(name string, payload map[string]interface{}) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.events = append(re.events, RecordedEvent{Name: name, Payload: payload})
}

// Events returns a copy of all captured events.
func (re *RecordingEmitter) Events() []RecordedEvent {
	re.mu.Lock()
	defer re.mu.Unlock()
	out := make([]RecordedEvent, len(re.events))
	copy(out, re.events)
	return out
}

// Named returns the captured events matching the given name.
func (re *RecordingEmitter) Named(name string) []RecordedEvent {
	re.mu.Lock()
	defer re.mu.Unlock()
	var out []RecordedEvent
	for _, ev := range re.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
