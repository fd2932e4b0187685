// Package config provides the unified configuration system for Siphon.
// It defines a single ExportConfig structure consumed by the concurrency,
// rate limiting, circuit breaking, and export coordination components,
// ensuring consistent configuration across the entire system.
//
// The configuration is organized into logical sections:
//   - Concurrency: Per-category concurrency limits and tuning thresholds
//   - RateLimit: Token bucket window and request budget
//   - CircuitBreaker: Failure threshold, reset timeout, expected errors
//   - Retry: Backoff policy and transient error allow-list
//   - Checkpoint: Persistence directory and interval
//   - Memory: Process memory bound for backpressure
//   - Observability: Logging configuration
//
// Example usage:
//
//	cfg := config.NewExportConfig("workspace-export")
//	cfg.Concurrency.MaxPerCategory = 20
//	cfg.Memory.MaxMemoryMB = 512
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// ExportConfig is the single unified configuration structure for an export
// run. Load it from YAML with Load, or build it programmatically starting
// from NewExportConfig.
type ExportConfig struct {
	// Name identifies the export run; it is also the checkpoint key
	Name string `yaml:"name" json:"name"`
	// OutputPath is the destination file for exported records
	OutputPath string `yaml:"output_path" json:"output_path"`

	// Concurrency settings control per-category parallelism
	Concurrency ConcurrencyConfig `yaml:"concurrency" json:"concurrency"`

	// RateLimit settings pace request issuance against the remote budget
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// CircuitBreaker settings for failing fast on unhealthy dependencies
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`

	// Retry settings for transient failure recovery
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Checkpoint settings for resumable progress
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`

	// Memory settings for backpressure under memory pressure
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Observability settings for logging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ConcurrencyConfig contains all concurrency-related settings.
// Limits apply per operation category; the dynamic limiter adjusts the
// current limit within [MinPerCategory, MaxPerCategory].
type ConcurrencyConfig struct {
	// InitialPerCategory is the starting concurrency limit per category
	InitialPerCategory int `yaml:"initial_per_category" json:"initial_per_category"`
	// MinPerCategory is the lower bound for self-adjustment
	MinPerCategory int `yaml:"min_per_category" json:"min_per_category"`
	// MaxPerCategory is the upper bound for self-adjustment
	MaxPerCategory int `yaml:"max_per_category" json:"max_per_category"`
	// SampleWindow is the ring buffer size for performance samples
	SampleWindow int `yaml:"sample_window" json:"sample_window"`
	// AdjustmentCooldown is the minimum time between limit adjustments
	AdjustmentCooldown time.Duration `yaml:"adjustment_cooldown" json:"adjustment_cooldown"`
	// ErrorRateThreshold triggers a limit decrease when exceeded
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	// ScoreIncreaseThreshold is the performance score above which the limit grows
	ScoreIncreaseThreshold float64 `yaml:"score_increase_threshold" json:"score_increase_threshold"`
	// AutoTuneInterval is how often the manager runs cross-category tuning
	AutoTuneInterval time.Duration `yaml:"auto_tune_interval" json:"auto_tune_interval"`
}

// RateLimitConfig contains token bucket settings. The refill rate is derived
// as MaxRequests / Window.
type RateLimitConfig struct {
	// MaxRequests is the request budget per window (also the bucket capacity)
	MaxRequests int `yaml:"max_requests" json:"max_requests"`
	// Window is the budget window
	Window time.Duration `yaml:"window" json:"window"`
	// HistorySize bounds the response time and retry outcome histories
	HistorySize int `yaml:"history_size" json:"history_size"`
}

// CircuitBreakerConfig contains circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before a half-open probe
	ResetTimeout time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	// ExpectedErrors lists error markers excluded from failure counting
	// (business failures unrelated to dependency health, e.g. "object not found")
	ExpectedErrors []string `yaml:"expected_errors" json:"expected_errors"`
}

// RetryConfig contains retry-with-backoff settings for transient failures.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per operation
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// InitialDelay is the first backoff delay
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// MaxDelay caps the backoff delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// Multiplier grows the delay exponentially
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// RandomizeFactor applies jitter to each delay
	RandomizeFactor float64 `yaml:"randomize_factor" json:"randomize_factor"`
	// TransientErrors lists error markers eligible for retry
	TransientErrors []string `yaml:"transient_errors" json:"transient_errors"`
}

// CheckpointConfig contains checkpoint persistence settings.
type CheckpointConfig struct {
	// Dir is the directory holding checkpoint files (one per export name)
	Dir string `yaml:"dir" json:"dir"`
	// Interval is the wall-clock period between checkpoint writes
	Interval time.Duration `yaml:"interval" json:"interval"`
	// ErrorHistorySize bounds the per-run error history kept in the checkpoint
	ErrorHistorySize int `yaml:"error_history_size" json:"error_history_size"`
}

// MemoryConfig contains memory backpressure settings.
type MemoryConfig struct {
	// MaxMemoryMB is the process memory bound; exceeding it triggers
	// reclamation and, if still over, a temporary concurrency reduction
	MaxMemoryMB int `yaml:"max_memory_mb" json:"max_memory_mb"`
	// BackpressurePause is the pause applied after a concurrency reduction
	BackpressurePause time.Duration `yaml:"backpressure_pause" json:"backpressure_pause"`
}

// ObservabilityConfig contains logging and output settings.
type ObservabilityConfig struct {
	// LogLevel sets the minimum log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFormat selects json or console encoding
	LogFormat string `yaml:"log_format" json:"log_format"`
	// EnableGzip compresses the output sink
	EnableGzip bool `yaml:"enable_gzip" json:"enable_gzip"`
}

// NewExportConfig returns an ExportConfig with production defaults for the
// given export name.
func NewExportConfig(name string) *ExportConfig {
	return &ExportConfig{
		Name:       name,
		OutputPath: name + ".jsonl",
		Concurrency: ConcurrencyConfig{
			InitialPerCategory:     5,
			MinPerCategory:         1,
			MaxPerCategory:         20,
			SampleWindow:           50,
			AdjustmentCooldown:     5 * time.Second,
			ErrorRateThreshold:     0.1,
			ScoreIncreaseThreshold: 0.8,
			AutoTuneInterval:       30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 3,
			Window:      time.Second,
			HistorySize: 100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			ExpectedErrors:   []string{"object not found", "validation"},
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelay:    time.Second,
			MaxDelay:        30 * time.Second,
			Multiplier:      2.0,
			RandomizeFactor: 0.25,
			TransientErrors: []string{"rate_limit", "timeout", "transient_remote", "conflict", "service unavailable"},
		},
		Checkpoint: CheckpointConfig{
			Dir:              ".siphon",
			Interval:         30 * time.Second,
			ErrorHistorySize: 50,
		},
		Memory: MemoryConfig{
			MaxMemoryMB:       512,
			BackpressurePause: 2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for consistency and returns an error
// describing the first problem found.
func (c *ExportConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}

	cc := c.Concurrency
	if cc.MinPerCategory < 1 {
		return fmt.Errorf("concurrency.min_per_category must be >= 1, got %d", cc.MinPerCategory)
	}
	if cc.MaxPerCategory < cc.MinPerCategory {
		return fmt.Errorf("concurrency.max_per_category (%d) must be >= min_per_category (%d)",
			cc.MaxPerCategory, cc.MinPerCategory)
	}
	if cc.InitialPerCategory < cc.MinPerCategory || cc.InitialPerCategory > cc.MaxPerCategory {
		return fmt.Errorf("concurrency.initial_per_category (%d) must be within [%d, %d]",
			cc.InitialPerCategory, cc.MinPerCategory, cc.MaxPerCategory)
	}
	if cc.SampleWindow < 1 {
		return fmt.Errorf("concurrency.sample_window must be >= 1, got %d", cc.SampleWindow)
	}
	if cc.ErrorRateThreshold <= 0 || cc.ErrorRateThreshold >= 1 {
		return fmt.Errorf("concurrency.error_rate_threshold must be in (0, 1), got %f", cc.ErrorRateThreshold)
	}
	if cc.ScoreIncreaseThreshold <= 0 || cc.ScoreIncreaseThreshold > 1 {
		return fmt.Errorf("concurrency.score_increase_threshold must be in (0, 1], got %f", cc.ScoreIncreaseThreshold)
	}

	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("rate_limit.max_requests must be >= 1, got %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %v", c.RateLimit.Window)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive, got %v", c.CircuitBreaker.ResetTimeout)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}

	if c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be positive, got %v", c.Checkpoint.Interval)
	}
	if c.Checkpoint.Dir == "" {
		return fmt.Errorf("checkpoint.dir is required")
	}
	if c.Checkpoint.ErrorHistorySize < 1 {
		return fmt.Errorf("checkpoint.error_history_size must be >= 1, got %d", c.Checkpoint.ErrorHistorySize)
	}

	if c.Memory.MaxMemoryMB < 1 {
		return fmt.Errorf("memory.max_memory_mb must be >= 1, got %d", c.Memory.MaxMemoryMB)
	}

	return nil
}
