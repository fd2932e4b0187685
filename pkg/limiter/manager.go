package limiter

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/metrics"
	"github.com/ajitpratap0/siphon/pkg/ratelimit"
)

// Manager owns one DynamicLimiter per operation category and provides a
// single entry point plus cross-category intelligence: global statistics,
// auto-tuning, and concurrency rebalancing between categories.
type Manager struct {
	config   Config
	logger   *zap.Logger
	clock    host.Clock
	limiters map[Category]*DynamicLimiter

	totalOps      int64
	totalErrors   int64
	totalDuration int64 // nanoseconds
}

// NewManager creates a manager with one limiter per known category, all
// sharing the same per-category configuration.
func NewManager(config Config, logger *zap.Logger, clock host.Clock) *Manager {
	if clock == nil {
		clock = host.RealClock{}
	}

	m := &Manager{
		config:   config.withDefaults(),
		logger:   logger.With(zap.String("component", "limiter_manager")),
		clock:    clock,
		limiters: make(map[Category]*DynamicLimiter, len(AllCategories())),
	}
	for _, category := range AllCategories() {
		m.limiters[category] = NewDynamic(category, config, logger, clock)
	}
	return m
}

// Run dispatches the operation to the limiter for its category, falling back
// to the default category when the category is unknown, and tracks global
// totals.
func (m *Manager) Run(ctx context.Context, op *OpContext, fn func(context.Context) error) error {
	dl := m.limiterFor(op.Category)

	start := m.clock.Now()
	err := dl.Run(ctx, op, fn)
	elapsed := m.clock.Now().Sub(start)

	atomic.AddInt64(&m.totalOps, 1)
	atomic.AddInt64(&m.totalDuration, elapsed.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&m.totalErrors, 1)
	}
	metrics.OperationLatency.WithLabelValues(string(op.Category)).Observe(float64(elapsed.Nanoseconds()))

	return err
}

// limiterFor returns the limiter for a category, or the default limiter for
// unknown categories.
func (m *Manager) limiterFor(category Category) *DynamicLimiter {
	if dl, ok := m.limiters[category]; ok {
		return dl
	}
	return m.limiters[CategoryDefault]
}

// Limiter exposes the limiter for one category, for tests and diagnostics.
func (m *Manager) Limiter(category Category) *DynamicLimiter {
	return m.limiterFor(category)
}

// UpdateFromRemoteSignal feeds a remote quota signal and measured latency
// into category limiters. Quota is typically shared globally even though
// concurrency is tracked per category, so an empty category fans the signal
// out to every limiter.
func (m *Manager) UpdateFromRemoteSignal(signal ratelimit.RemoteSignal, category Category) {
	utilization := -1.0
	if signal.Limit > 0 {
		utilization = 1.0 - float64(signal.Remaining)/float64(signal.Limit)
	}

	apply := func(dl *DynamicLimiter) {
		dl.ObserveRemote(signal.ResponseTime, signal.WasError)
		if utilization >= 0 {
			dl.ObserveQuota(utilization)
		}
	}

	if category == "" {
		for _, dl := range m.limiters {
			apply(dl)
		}
		return
	}
	apply(m.limiterFor(category))
}

// AutoTune applies cross-category tuning: a high global error rate shrinks
// every category uniformly, a healthy system grows the best-performing
// categories, and a final rebalancing pass moves concurrency from the
// worst-performing half of categories toward the best-performing half. All
// changes stay within each limiter's [Min, Max].
func (m *Manager) AutoTune() {
	totalOps := atomic.LoadInt64(&m.totalOps)
	if totalOps == 0 {
		return
	}

	globalErrRate := float64(atomic.LoadInt64(&m.totalErrors)) / float64(totalOps)

	switch {
	case globalErrRate > 0.15:
		m.logger.Warn("global error rate high, shrinking all categories",
			zap.Float64("error_rate", globalErrRate))
		for _, dl := range m.limiters {
			dl.Scale(0.7)
		}

	case globalErrRate < 0.05:
		for _, dl := range m.limiters {
			stats := dl.Stats()
			if stats.TotalOperations > 0 && stats.Score >= m.config.ScoreIncreaseThreshold &&
				stats.CurrentLimit < m.config.Max {
				dl.Scale(1.2)
			}
		}
	}

	m.rebalance()
}

// rebalance redistributes concurrency from the worst-performing half of
// active categories toward the best-performing half, one slot per pair.
func (m *Manager) rebalance() {
	type scored struct {
		dl    *DynamicLimiter
		stats CategoryStats
	}

	var active []scored
	for _, dl := range m.limiters {
		stats := dl.Stats()
		if stats.TotalOperations > 0 {
			active = append(active, scored{dl: dl, stats: stats})
		}
	}
	if len(active) < 2 {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].stats.Score < active[j].stats.Score
	})

	for i := 0; i < len(active)/2; i++ {
		donor := active[i]
		recipient := active[len(active)-1-i]

		// Only move a slot when the gap is meaningful
		if recipient.stats.Score-donor.stats.Score < 0.1 {
			continue
		}
		if donor.stats.CurrentLimit <= m.config.Min || recipient.stats.CurrentLimit >= m.config.Max {
			continue
		}

		donor.dl.SetLimit(donor.stats.CurrentLimit - 1)
		recipient.dl.SetLimit(recipient.stats.CurrentLimit + 1)
		m.logger.Debug("rebalanced concurrency slot",
			zap.String("from", string(donor.stats.Category)),
			zap.String("to", string(recipient.stats.Category)))
	}
}

// ScaleAll multiplies every category's limit by factor, used as global
// backpressure under memory pressure.
func (m *Manager) ScaleAll(factor float64) {
	for _, dl := range m.limiters {
		dl.Scale(factor)
	}
}

// ManagerStats aggregates per-category and global limiter statistics.
type ManagerStats struct {
	Categories      map[Category]CategoryStats `json:"categories"`
	TotalOperations int64                      `json:"total_operations"`
	TotalErrors     int64                      `json:"total_errors"`
	GlobalErrorRate float64                    `json:"global_error_rate"`
	AverageDuration time.Duration              `json:"average_duration"`
	Recommendations []string                   `json:"recommendations,omitempty"`
}

// Stats returns per-category and aggregate statistics plus advisory
// recommendations derived from the tuning thresholds. Recommendations are
// never auto-applied beyond AutoTune.
func (m *Manager) Stats() ManagerStats {
	totalOps := atomic.LoadInt64(&m.totalOps)
	totalErrors := atomic.LoadInt64(&m.totalErrors)

	stats := ManagerStats{
		Categories:      make(map[Category]CategoryStats, len(m.limiters)),
		TotalOperations: totalOps,
		TotalErrors:     totalErrors,
	}
	if totalOps > 0 {
		stats.GlobalErrorRate = float64(totalErrors) / float64(totalOps)
		stats.AverageDuration = time.Duration(atomic.LoadInt64(&m.totalDuration) / totalOps)
	}

	for category, dl := range m.limiters {
		cs := dl.Stats()
		stats.Categories[category] = cs

		if cs.TotalOperations == 0 {
			continue
		}
		if cs.ErrorRate > m.config.ErrorRateThreshold {
			stats.Recommendations = append(stats.Recommendations,
				fmt.Sprintf("%s: error rate %.0f%% exceeds threshold, consider reducing concurrency",
					category, cs.ErrorRate*100))
		}
		if cs.QueueDepth > cs.CurrentLimit {
			stats.Recommendations = append(stats.Recommendations,
				fmt.Sprintf("%s: wait queue (%d) exceeds limit (%d), consider raising max concurrency",
					category, cs.QueueDepth, cs.CurrentLimit))
		}
		if cs.RecommendedLimit < cs.CurrentLimit {
			stats.Recommendations = append(stats.Recommendations,
				fmt.Sprintf("%s: remote quota suggests limit %d (current %d)",
					category, cs.RecommendedLimit, cs.CurrentLimit))
		}
	}

	if stats.GlobalErrorRate > 0.15 {
		stats.Recommendations = append(stats.Recommendations,
			fmt.Sprintf("global error rate %.0f%% is high, next auto-tune will shrink all categories",
				stats.GlobalErrorRate*100))
	}

	return stats
}
