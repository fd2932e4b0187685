package limiter

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/metrics"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// Config is the configuration for a dynamic concurrency limiter
type Config struct {
	// Initial is the starting concurrency limit
	Initial int
	// Min is the lower bound for self-adjustment
	Min int
	// Max is the upper bound for self-adjustment
	Max int
	// SampleWindow is the ring buffer size for performance samples
	SampleWindow int
	// MinSamples is the minimum sample count before any adjustment
	MinSamples int
	// AdjustmentCooldown is the minimum time between adjustments
	AdjustmentCooldown time.Duration
	// ErrorRateThreshold triggers a limit decrease when exceeded
	ErrorRateThreshold float64
	// ScoreIncreaseThreshold is the performance score above which the limit grows
	ScoreIncreaseThreshold float64
}

// withDefaults fills zero fields with production defaults.
func (c Config) withDefaults() Config {
	if c.Initial == 0 {
		c.Initial = 5
	}
	if c.Min == 0 {
		c.Min = 1
	}
	if c.Max == 0 {
		c.Max = 20
	}
	if c.SampleWindow == 0 {
		c.SampleWindow = 50
	}
	if c.MinSamples == 0 {
		c.MinSamples = 10
	}
	if c.AdjustmentCooldown == 0 {
		c.AdjustmentCooldown = 5 * time.Second
	}
	if c.ErrorRateThreshold == 0 {
		c.ErrorRateThreshold = 0.1
	}
	if c.ScoreIncreaseThreshold == 0 {
		c.ScoreIncreaseThreshold = 0.8
	}
	return c
}

// waiter represents one suspended caller awaiting admission.
type waiter struct {
	ch       chan struct{}
	admitted bool
	canceled bool
}

// DynamicLimiter bounds the number of concurrently in-flight operations of
// one category, admits waiting callers in priority order, and adjusts its own
// limit from observed performance. running never exceeds the current limit.
type DynamicLimiter struct {
	category Category
	config   Config
	logger   *zap.Logger
	clock    host.Clock

	limit       int
	recommended int // quota-driven advisory limit, never enforced
	running     int
	queues      [numPriorities][]*waiter

	// Bounded performance samples from completed operations
	durations   []time.Duration
	errFlags    []bool
	sampleIndex int
	sampleCount int

	// Bounded remote response latency samples
	latencies    []time.Duration
	latencyIndex int
	latencyCount int

	lastAdjustment time.Time

	// Lifetime counters
	totalOps      int64
	totalErrors   int64
	totalDuration time.Duration

	mu sync.Mutex
}

// NewDynamic creates a dynamic concurrency limiter for one category.
func NewDynamic(category Category, config Config, logger *zap.Logger, clock host.Clock) *DynamicLimiter {
	config = config.withDefaults()
	if clock == nil {
		clock = host.RealClock{}
	}

	dl := &DynamicLimiter{
		category:    category,
		config:      config,
		logger:      logger.With(zap.String("component", "limiter"), zap.String("category", string(category))),
		clock:       clock,
		limit:       config.Initial,
		recommended: config.Initial,
		durations:   make([]time.Duration, config.SampleWindow),
		errFlags:    make([]bool, config.SampleWindow),
		latencies:   make([]time.Duration, config.SampleWindow),
	}
	metrics.ConcurrencyLimit.WithLabelValues(string(category)).Set(float64(config.Initial))
	return dl
}

// Run admits the operation (suspending while the limiter is at capacity),
// executes fn, records the outcome, and triggers an adjustment check. When
// op.Timeout is positive the operation fails with a timeout error if it does
// not return in time. Admission among equal-priority waiters is FIFO.
func (dl *DynamicLimiter) Run(ctx context.Context, op *OpContext, fn func(context.Context) error) error {
	if err := dl.acquire(ctx, op.Priority); err != nil {
		return err
	}

	op.StartedAt = dl.clock.Now()
	err := dl.execute(ctx, op, fn)
	duration := dl.clock.Now().Sub(op.StartedAt)

	dl.complete(duration, err != nil)
	return err
}

// acquire obtains a concurrency slot, enqueueing the caller when the limiter
// is at capacity.
func (dl *DynamicLimiter) acquire(ctx context.Context, priority Priority) error {
	dl.mu.Lock()
	if dl.running < dl.limit {
		dl.running++
		metrics.RunningOperations.WithLabelValues(string(dl.category)).Set(float64(dl.running))
		dl.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	dl.queues[priority] = append(dl.queues[priority], w)
	dl.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		dl.mu.Lock()
		if w.admitted {
			// Lost the race against admission: give the slot back
			dl.running--
			dl.admitNextLocked()
			dl.mu.Unlock()
		} else {
			w.canceled = true
			dl.mu.Unlock()
		}
		return ctx.Err()
	}
}

// execute runs fn, enforcing the per-operation timeout when one is set. A
// timed-out operation fails with a distinct timeout error so callers can tell
// "the call failed" from "the call never returned in time".
func (dl *DynamicLimiter) execute(ctx context.Context, op *OpContext, fn func(context.Context) error) error {
	if op.Timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, op.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(timeoutCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return siphonerrors.Newf(siphonerrors.ErrorTypeTimeout,
			"operation %q exceeded %v", op.Name, op.Timeout).
			WithDetail("object_id", op.ObjectID).
			WithDetail("category", string(dl.category))
	}
}

// complete records the sample, runs the adjustment check, and releases the
// slot to the highest-priority waiter.
func (dl *DynamicLimiter) complete(duration time.Duration, failed bool) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.durations[dl.sampleIndex] = duration
	dl.errFlags[dl.sampleIndex] = failed
	dl.sampleIndex = (dl.sampleIndex + 1) % len(dl.durations)
	if dl.sampleCount < len(dl.durations) {
		dl.sampleCount++
	}

	dl.totalOps++
	dl.totalDuration += duration
	if failed {
		dl.totalErrors++
	}

	// Adjust while this op still counts toward utilization
	dl.maybeAdjustLocked()

	dl.running--
	metrics.RunningOperations.WithLabelValues(string(dl.category)).Set(float64(dl.running))
	dl.admitNextLocked()
}

// admitNextLocked wakes waiters in priority-then-FIFO order while capacity
// remains. Callers must hold dl.mu.
func (dl *DynamicLimiter) admitNextLocked() {
	for dl.running < dl.limit {
		w := dl.popWaiterLocked()
		if w == nil {
			return
		}
		dl.running++
		metrics.RunningOperations.WithLabelValues(string(dl.category)).Set(float64(dl.running))
		w.admitted = true
		close(w.ch)
	}
}

// popWaiterLocked removes and returns the next non-canceled waiter, highest
// priority first. Callers must hold dl.mu.
func (dl *DynamicLimiter) popWaiterLocked() *waiter {
	for p := range dl.queues {
		for len(dl.queues[p]) > 0 {
			w := dl.queues[p][0]
			dl.queues[p] = dl.queues[p][1:]
			if w.canceled {
				continue
			}
			return w
		}
	}
	return nil
}

// maybeAdjustLocked applies the adjustment policy, subject to the cooldown
// and minimum sample size. Callers must hold dl.mu.
func (dl *DynamicLimiter) maybeAdjustLocked() {
	if dl.sampleCount < dl.config.MinSamples {
		return
	}

	now := dl.clock.Now()
	if now.Sub(dl.lastAdjustment) < dl.config.AdjustmentCooldown {
		return
	}

	errRate := dl.errorRateLocked()
	avgLatency := dl.avgLatencyLocked()
	score := dl.scoreLocked()

	switch {
	case errRate > dl.config.ErrorRateThreshold ||
		score < 0.7*dl.config.ScoreIncreaseThreshold ||
		avgLatency > 5*time.Second:
		newLimit := int(float64(dl.limit) * 0.7)
		if dl.setLimitLocked(newLimit) {
			dl.lastAdjustment = now
			dl.logger.Info("decreased concurrency limit",
				zap.Int("limit", dl.limit),
				zap.Float64("error_rate", errRate),
				zap.Float64("score", score),
				zap.Duration("avg_latency", avgLatency))
		}

	case score >= dl.config.ScoreIncreaseThreshold &&
		errRate < dl.config.ErrorRateThreshold/2 &&
		dl.running >= int(math.Ceil(0.8*float64(dl.limit))) &&
		dl.limit < dl.config.Max:
		newLimit := int(math.Ceil(float64(dl.limit) * 1.2))
		if newLimit == dl.limit {
			newLimit++
		}
		if dl.setLimitLocked(newLimit) {
			dl.lastAdjustment = now
			dl.logger.Info("increased concurrency limit",
				zap.Int("limit", dl.limit),
				zap.Float64("score", score))
		}
	}
}

// setLimitLocked clamps and applies a new limit, waking waiters when capacity
// grows. Returns false when the clamped limit equals the current one.
// Callers must hold dl.mu.
func (dl *DynamicLimiter) setLimitLocked(limit int) bool {
	if limit < dl.config.Min {
		limit = dl.config.Min
	}
	if limit > dl.config.Max {
		limit = dl.config.Max
	}
	if limit == dl.limit {
		return false
	}

	grew := limit > dl.limit
	dl.limit = limit
	metrics.ConcurrencyLimit.WithLabelValues(string(dl.category)).Set(float64(limit))

	if grew {
		dl.admitNextLocked()
	}
	return true
}

// SetLimit applies a new limit (clamped to [Min, Max]), used by the manager's
// rebalancing pass.
func (dl *DynamicLimiter) SetLimit(limit int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.setLimitLocked(limit)
}

// Scale multiplies the current limit by factor, clamped to [Min, Max].
func (dl *DynamicLimiter) Scale(factor float64) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.setLimitLocked(int(float64(dl.limit) * factor))
}

// CurrentLimit returns the current concurrency limit
func (dl *DynamicLimiter) CurrentLimit() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.limit
}

// Running returns the number of in-flight operations
func (dl *DynamicLimiter) Running() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.running
}

// ObserveRemote feeds a measured remote response latency into the sample
// window. Quota is shared globally, so the manager fans these out.
func (dl *DynamicLimiter) ObserveRemote(responseTime time.Duration, wasError bool) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.latencies[dl.latencyIndex] = responseTime
	dl.latencyIndex = (dl.latencyIndex + 1) % len(dl.latencies)
	if dl.latencyCount < len(dl.latencies) {
		dl.latencyCount++
	}
}

// ObserveQuota nudges the advisory recommended limit from remote quota
// utilization: down when the quota runs hot (> 0.8), up when it is relaxed
// (< 0.3). The recommendation feeds statistics and rebalancing, not
// admission.
func (dl *DynamicLimiter) ObserveQuota(utilization float64) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	switch {
	case utilization > 0.8 && dl.recommended > dl.config.Min:
		dl.recommended--
	case utilization < 0.3 && dl.recommended < dl.config.Max:
		dl.recommended++
	}
}

// Score returns the current performance score in [0, 1], higher is better.
// Error rate carries the heaviest penalty; average operation duration and
// average remote latency carry moderate penalties.
func (dl *DynamicLimiter) Score() float64 {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.scoreLocked()
}

func (dl *DynamicLimiter) scoreLocked() float64 {
	if dl.sampleCount == 0 {
		return 1.0
	}

	errRate := dl.errorRateLocked()
	durPenalty := penalty(dl.avgDurationLocked(), 5*time.Second)
	latPenalty := penalty(dl.avgLatencyLocked(), 5*time.Second)

	score := 1.0 - (0.6*errRate + 0.2*durPenalty + 0.2*latPenalty)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// penalty maps a duration onto [0, 1] relative to a ceiling.
func penalty(d, ceiling time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	p := float64(d) / float64(ceiling)
	if p > 1 {
		return 1
	}
	return p
}

func (dl *DynamicLimiter) errorRateLocked() float64 {
	if dl.sampleCount == 0 {
		return 0
	}
	errors := 0
	for i := 0; i < dl.sampleCount; i++ {
		if dl.errFlags[i] {
			errors++
		}
	}
	return float64(errors) / float64(dl.sampleCount)
}

func (dl *DynamicLimiter) avgDurationLocked() time.Duration {
	if dl.sampleCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < dl.sampleCount; i++ {
		sum += dl.durations[i]
	}
	return sum / time.Duration(dl.sampleCount)
}

func (dl *DynamicLimiter) avgLatencyLocked() time.Duration {
	if dl.latencyCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < dl.latencyCount; i++ {
		sum += dl.latencies[i]
	}
	return sum / time.Duration(dl.latencyCount)
}

// CategoryStats is a snapshot of one category limiter's state.
type CategoryStats struct {
	Category         Category      `json:"category"`
	CurrentLimit     int           `json:"current_limit"`
	RecommendedLimit int           `json:"recommended_limit"`
	Running          int           `json:"running"`
	QueueDepth       int           `json:"queue_depth"`
	TotalOperations  int64         `json:"total_operations"`
	TotalErrors      int64         `json:"total_errors"`
	ErrorRate        float64       `json:"error_rate"`
	AverageDuration  time.Duration `json:"average_duration"`
	AverageLatency   time.Duration `json:"average_latency"`
	Score            float64       `json:"score"`
	LastAdjustment   time.Time     `json:"last_adjustment,omitempty"`
}

// Stats returns a snapshot of the limiter state.
func (dl *DynamicLimiter) Stats() CategoryStats {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	depth := 0
	for p := range dl.queues {
		for _, w := range dl.queues[p] {
			if !w.canceled {
				depth++
			}
		}
	}

	return CategoryStats{
		Category:         dl.category,
		CurrentLimit:     dl.limit,
		RecommendedLimit: dl.recommended,
		Running:          dl.running,
		QueueDepth:       depth,
		TotalOperations:  dl.totalOps,
		TotalErrors:      dl.totalErrors,
		ErrorRate:        dl.errorRateLocked(),
		AverageDuration:  dl.avgDurationLocked(),
		AverageLatency:   dl.avgLatencyLocked(),
		Score:            dl.scoreLocked(),
		LastAdjustment:   dl.lastAdjustment,
	}
}
