package export

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/siphon/pkg/breaker"
	"github.com/ajitpratap0/siphon/pkg/config"
	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/limiter"
	"github.com/ajitpratap0/siphon/pkg/metrics"
	"github.com/ajitpratap0/siphon/pkg/ratelimit"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

// State is the coordinator lifecycle state
type State int32

const (
	// StateNotStarted is the initial state before Initialize
	StateNotStarted State = iota
	// StateRunning means the export is in progress and interruptible
	StateRunning
	// StateCompleted means Finalize succeeded
	StateCompleted
	// StateFailed means a coordinator-level failure surfaced; the checkpoint
	// is intact and the run can be resumed
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Coordinator drives one export end-to-end with bounded memory and
// resumability. It pulls items one at a time from a caller-supplied source;
// each item's transform executes as an independently scheduled unit gated by
// the concurrency limiter, guarded by the circuit breaker, and paced by the
// rate limiter. Results are appended to the output sink in completion order.
//
// One coordinator instance owns its checkpoint file and output sink
// exclusively; concurrent coordinators on the same export name are not
// supported.
type Coordinator struct {
	cfg     *config.ExportConfig
	logger  *zap.Logger
	clock   host.Clock
	memory  host.MemoryStats
	emitter events.Emitter

	manager   *limiter.Manager
	rate      *ratelimit.AdaptiveLimiter
	brk       *breaker.Breaker
	retry     *RetryPolicy
	store     *CheckpointStore
	sink      *Sink
	analytics *Analytics

	// slots caps driver-spawned item goroutines so the driver suspends,
	// rather than queueing unbounded work, when the limiters are saturated
	slots chan struct{}

	state    int32
	fatalErr atomic.Value // error
	stopOnce sync.Once
	stopCh   chan struct{}
	maintWG  sync.WaitGroup

	mu         sync.Mutex
	checkpoint *Checkpoint
	errHistory []ItemError
	errIndex   int
	errCount   int
	pauseUntil time.Time
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithClock substitutes the clock, for tests.
func WithClock(clock host.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithMemoryStats substitutes the process memory reader, for tests.
func WithMemoryStats(memory host.MemoryStats) Option {
	return func(c *Coordinator) { c.memory = memory }
}

// WithEmitter attaches an event emitter for export observability events.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Coordinator) { c.emitter = emitter }
}

// NewCoordinator creates a coordinator and its resilience components from
// configuration. Call Initialize before streaming.
func NewCoordinator(cfg *config.ExportConfig, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, siphonerrors.Wrap(err, siphonerrors.ErrorTypeConfig, "invalid export configuration")
	}

	c := &Coordinator{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "coordinator"), zap.String("export_id", cfg.Name)),
		clock:      host.RealClock{},
		memory:     host.NewProcessMemory(),
		emitter:    events.NopEmitter{},
		analytics:  NewAnalytics(),
		slots:      make(chan struct{}, cfg.Concurrency.MaxPerCategory),
		stopCh:     make(chan struct{}),
		errHistory: make([]ItemError, cfg.Checkpoint.ErrorHistorySize),
	}
	for _, opt := range opts {
		opt(c)
	}

	// Components emit through a tap that feeds run analytics before the
	// caller's emitter sees the event
	tap := &analyticsTap{analytics: c.analytics, next: c.emitter}

	store, err := NewCheckpointStore(cfg.Checkpoint.Dir, logger)
	if err != nil {
		return nil, err
	}
	c.store = store

	c.manager = limiter.NewManager(limiter.Config{
		Initial:                cfg.Concurrency.InitialPerCategory,
		Min:                    cfg.Concurrency.MinPerCategory,
		Max:                    cfg.Concurrency.MaxPerCategory,
		SampleWindow:           cfg.Concurrency.SampleWindow,
		AdjustmentCooldown:     cfg.Concurrency.AdjustmentCooldown,
		ErrorRateThreshold:     cfg.Concurrency.ErrorRateThreshold,
		ScoreIncreaseThreshold: cfg.Concurrency.ScoreIncreaseThreshold,
	}, logger, c.clock)

	c.rate = ratelimit.New(ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window,
		HistorySize: cfg.RateLimit.HistorySize,
	}, logger, ratelimit.WithClock(c.clock), ratelimit.WithEmitter(tap))

	c.brk = breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		ExpectedErrors:   cfg.CircuitBreaker.ExpectedErrors,
	}, logger, breaker.WithClock(c.clock), breaker.WithEmitter(tap))

	c.retry = NewRetryPolicy(cfg.Retry, c.brk, c.rate, logger, c.clock, tap)

	return c, nil
}

// Initialize loads any prior checkpoint for the export name and opens the
// output sink in append mode. It returns whether a prior run was resumed,
// and starts the periodic maintenance loop (checkpointing, auto-tuning,
// memory backpressure).
func (c *Coordinator) Initialize(ctx context.Context) (bool, error) {
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateNotStarted), int32(StateRunning)) {
		return false, siphonerrors.Newf(siphonerrors.ErrorTypeValidation,
			"coordinator already %s", c.State())
	}

	cp, err := c.store.Load(c.cfg.Name)
	if err != nil {
		atomic.StoreInt32(&c.state, int32(StateFailed))
		return false, err
	}

	resumed := cp != nil
	if cp == nil {
		cp = &Checkpoint{
			ExportID:   c.cfg.Name,
			StartTime:  c.clock.Now(),
			OutputPath: c.cfg.OutputPath,
		}
	}

	// Each run gets its own identity; the checkpoint remembers which run
	// touched it last
	runID := uuid.NewString()
	cp.LastRunID = runID
	c.logger = c.logger.With(zap.String("run_id", runID))

	c.mu.Lock()
	c.checkpoint = cp
	// Carry the prior run's error history forward without recounting it
	for _, ie := range cp.Errors {
		c.appendErrorLocked(ie)
	}
	c.mu.Unlock()

	sink, err := OpenSink(c.cfg.OutputPath, c.cfg.Observability.EnableGzip)
	if err != nil {
		atomic.StoreInt32(&c.state, int32(StateFailed))
		return false, err
	}
	c.sink = sink

	c.maintWG.Add(1)
	go c.maintenanceLoop()

	c.logger.Info("export initialized",
		zap.Bool("resumed", resumed),
		zap.Int64("processed", cp.ProcessedCount),
		zap.String("output", c.cfg.OutputPath))
	return resumed, nil
}

// Stream drives one section's worth of items from source through transform
// and into the sink. A single item's failure is recorded in bounded history
// and never aborts the section; coordinator-level failures (sink write,
// checkpoint persistence, source errors) save the checkpoint and surface.
//
// On resume, items already covered by the checkpoint are skipped without
// re-executing their side effects. onItem, when non-nil, receives each
// transformed item as it completes.
func (c *Coordinator) Stream(ctx context.Context, section string, category limiter.Category,
	source Source, transform Transform, onItem func(*Item, interface{})) error {

	if c.State() != StateRunning {
		return siphonerrors.Newf(siphonerrors.ErrorTypeValidation,
			"cannot stream in state %s", c.State())
	}

	c.mu.Lock()
	if c.checkpoint.SectionCompleted(section) {
		c.mu.Unlock()
		c.logger.Info("section already completed, skipping", zap.String("section", section))
		return nil
	}
	var skip int64
	if c.checkpoint.CurrentSection == section {
		skip = c.checkpoint.SectionProcessed
	} else {
		c.checkpoint.CurrentSection = section
		c.checkpoint.SectionProcessed = 0
	}
	c.mu.Unlock()

	if skip > 0 {
		c.logger.Info("resuming section",
			zap.String("section", section), zap.Int64("skipping", skip))
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := c.fatal(); err != nil {
			wg.Wait()
			c.saveCheckpointBestEffort()
			atomic.StoreInt32(&c.state, int32(StateFailed))
			return err
		}

		c.pauseIfBackpressured(ctx)

		item, err := source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			wg.Wait()
			c.saveCheckpointBestEffort()
			atomic.StoreInt32(&c.state, int32(StateFailed))
			return siphonerrors.Wrap(err, siphonerrors.TypeOf(err),
				"source failed mid-stream").WithDetail("section", section)
		}

		if skip > 0 {
			skip--
			continue
		}

		// Suspend the driver while the in-flight window is full
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			c.saveCheckpointBestEffort()
			// An interrupted run must never look completed, or Cleanup
			// would delete the checkpoint it still needs
			atomic.StoreInt32(&c.state, int32(StateFailed))
			return ctx.Err()
		}

		wg.Add(1)
		go func(item *Item) {
			defer wg.Done()
			defer func() { <-c.slots }()
			c.processItem(ctx, section, category, item, transform, onItem)
		}(item)
	}

	wg.Wait()

	if err := c.fatal(); err != nil {
		c.saveCheckpointBestEffort()
		atomic.StoreInt32(&c.state, int32(StateFailed))
		return err
	}

	c.mu.Lock()
	c.checkpoint.CompletedSections = append(c.checkpoint.CompletedSections, section)
	c.checkpoint.CurrentSection = ""
	c.checkpoint.SectionProcessed = 0
	c.mu.Unlock()

	if err := c.saveCheckpoint(); err != nil {
		atomic.StoreInt32(&c.state, int32(StateFailed))
		return err
	}

	c.logger.Info("section completed", zap.String("section", section))
	return nil
}

// processItem runs one item's transform under the limiter, breaker, retry,
// and rate limiter, then appends the result and advances the checkpoint.
func (c *Coordinator) processItem(ctx context.Context, section string, category limiter.Category,
	item *Item, transform Transform, onItem func(*Item, interface{})) {

	op := &limiter.OpContext{
		Category: category,
		ObjectID: item.ID,
		Name:     fmt.Sprintf("%s/%s", section, item.ID),
		Priority: limiter.PriorityNormal,
	}

	var result interface{}
	err := c.manager.Run(ctx, op, func(opCtx context.Context) error {
		return c.retry.Execute(opCtx, op.Name, func() error {
			return c.brk.Execute(opCtx, func() error {
				// Counted here so breaker-rejected calls, which never reach
				// the remote API, don't inflate the call count
				c.analytics.RecordAPICall()
				c.emitter.Emit(events.EventAPICall, map[string]interface{}{
					"section":   section,
					"object_id": item.ID,
				})
				r, terr := transform(opCtx, item)
				if terr != nil {
					return terr
				}
				result = r
				return nil
			})
		})
	})

	if err != nil {
		c.recordItemError(ItemError{
			Time:     c.clock.Now(),
			Section:  section,
			ObjectID: item.ID,
			Message:  err.Error(),
		})
		metrics.ItemsProcessed.WithLabelValues(string(category), "failure").Inc()
		c.logger.Warn("item failed, continuing",
			zap.String("section", section),
			zap.String("object_id", item.ID),
			zap.Error(err))
		return
	}

	if werr := c.sink.WriteRecord(result); werr != nil {
		// Sink failures are fatal to the run, not to this item alone
		c.setFatal(werr)
		return
	}

	c.mu.Lock()
	c.checkpoint.ProcessedCount++
	c.checkpoint.SectionProcessed++
	c.checkpoint.LastProcessedID = item.ID
	c.mu.Unlock()

	metrics.ItemsProcessed.WithLabelValues(string(category), "success").Inc()

	if onItem != nil {
		onItem(item, result)
	}
}

// ReportRemoteSignal feeds response metadata from the remote API into the
// rate limiter and category limiters. Transforms call this after each API
// response that carries quota headers.
func (c *Coordinator) ReportRemoteSignal(signal ratelimit.RemoteSignal, category limiter.Category) {
	c.rate.UpdateFromResponse(signal)
	c.manager.UpdateFromRemoteSignal(signal, category)
}

// SetTotalEstimate records the expected item total for progress reporting.
func (c *Coordinator) SetTotalEstimate(total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoint.TotalEstimate = total
}

// Finalize stops maintenance, closes the output sink, writes a final
// checkpoint, and logs summary analytics. The checkpoint is kept; call
// Cleanup after a fully successful export to remove it.
func (c *Coordinator) Finalize() error {
	c.stopMaintenance()

	if c.sink != nil {
		c.analytics.RecordBytes(c.sink.BytesWritten())
		if err := c.sink.Close(); err != nil {
			atomic.StoreInt32(&c.state, int32(StateFailed))
			c.saveCheckpointBestEffort()
			return err
		}
	}

	if err := c.saveCheckpoint(); err != nil {
		atomic.StoreInt32(&c.state, int32(StateFailed))
		return err
	}

	// A failed run stays failed; only a clean run completes
	atomic.CompareAndSwapInt32(&c.state, int32(StateRunning), int32(StateCompleted))

	c.mu.Lock()
	processed := c.checkpoint.ProcessedCount
	completed := len(c.checkpoint.CompletedSections)
	c.mu.Unlock()

	summary := c.analytics.Snapshot(processed)
	stats := c.manager.Stats()

	c.logger.Info("export finalized",
		zap.Int64("items_processed", processed),
		zap.Int("sections_completed", completed),
		zap.Int64("api_calls", summary.APICalls),
		zap.Float64("error_rate", summary.ErrorRate),
		zap.Float64("throughput_per_sec", summary.Throughput),
		zap.Int64("bytes_transferred", summary.BytesTransferred),
		zap.Int64("peak_memory_bytes", summary.PeakMemoryBytes),
		zap.Int64("rate_limit_hits", summary.RateLimitHits),
		zap.Int64("breaker_trips", summary.CircuitBreakerTrips),
		zap.Strings("recommendations", stats.Recommendations))
	return nil
}

// Cleanup removes the checkpoint artifact. It refuses to run unless the
// export completed, so an interrupted run always keeps its checkpoint.
func (c *Coordinator) Cleanup() error {
	if c.State() != StateCompleted {
		return siphonerrors.Newf(siphonerrors.ErrorTypeValidation,
			"refusing to delete checkpoint in state %s", c.State())
	}
	return c.store.Delete(c.cfg.Name)
}

// State returns the coordinator lifecycle state
func (c *Coordinator) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Checkpoint returns a copy of the current checkpoint.
func (c *Coordinator) Checkpoint() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.checkpoint
	cp.Errors = c.errorHistoryLocked()
	return cp
}

// ErrorHistory returns the bounded per-item error history, oldest first.
func (c *Coordinator) ErrorHistory() []ItemError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorHistoryLocked()
}

// Stats bundles the statistics of every resilience component for reporting.
type Stats struct {
	State     string              `json:"state"`
	Summary   Summary             `json:"summary"`
	Limiters  limiter.ManagerStats `json:"limiters"`
	RateLimit ratelimit.Stats     `json:"rate_limit"`
	Breaker   breaker.Stats       `json:"breaker"`
}

// Stats returns a combined snapshot for reporting.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	processed := int64(0)
	if c.checkpoint != nil {
		processed = c.checkpoint.ProcessedCount
	}
	c.mu.Unlock()

	return Stats{
		State:     c.State().String(),
		Summary:   c.analytics.Snapshot(processed),
		Limiters:  c.manager.Stats(),
		RateLimit: c.rate.Stats(),
		Breaker:   c.brk.Stats(),
	}
}

// maintenanceLoop persists the checkpoint, auto-tunes the limiters, and
// checks memory pressure on a fixed interval of the injected clock.
func (c *Coordinator) maintenanceLoop() {
	defer c.maintWG.Done()

	ticker := c.clock.Ticker(c.cfg.Checkpoint.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C():
			c.runMaintenance()
		}
	}
}

// runMaintenance performs one maintenance pass.
func (c *Coordinator) runMaintenance() {
	if err := c.saveCheckpoint(); err != nil {
		c.logger.Error("periodic checkpoint failed", zap.Error(err))
		c.setFatal(err)
		return
	}
	c.emitter.Emit(events.EventCheckpoint, map[string]interface{}{
		"export_id": c.cfg.Name,
	})

	c.manager.AutoTune()
	c.checkMemoryPressure()
}

// checkMemoryPressure compares process memory against the configured bound.
// When over, it reclaims memory; when still over, it shrinks every category's
// concurrency and schedules a brief driver pause.
func (c *Coordinator) checkMemoryPressure() {
	used := c.memory.UsedBytes()
	metrics.MemoryUsage.Set(float64(used))
	c.analytics.ObserveMemory(used)

	bound := uint64(c.cfg.Memory.MaxMemoryMB) * 1024 * 1024
	if used <= bound {
		return
	}

	c.logger.Warn("memory over bound, reclaiming",
		zap.Uint64("used_bytes", used), zap.Uint64("bound_bytes", bound))
	c.memory.Reclaim()

	used = c.memory.UsedBytes()
	c.analytics.ObserveMemory(used)
	if used <= bound {
		return
	}

	c.manager.ScaleAll(0.7)
	c.emitter.Emit(events.EventBackpressure, map[string]interface{}{
		"used_bytes":  used,
		"bound_bytes": bound,
	})
	c.logger.Warn("memory still over bound, reduced concurrency and pausing",
		zap.Uint64("used_bytes", used),
		zap.Duration("pause", c.cfg.Memory.BackpressurePause))

	c.mu.Lock()
	c.pauseUntil = c.clock.Now().Add(c.cfg.Memory.BackpressurePause)
	c.mu.Unlock()
}

// pauseIfBackpressured blocks the driver while a backpressure pause is in
// effect.
func (c *Coordinator) pauseIfBackpressured(ctx context.Context) {
	c.mu.Lock()
	remaining := c.pauseUntil.Sub(c.clock.Now())
	c.mu.Unlock()

	if remaining > 0 {
		_ = c.clock.Sleep(ctx, remaining)
	}
}

// saveCheckpoint persists the current checkpoint with the bounded error
// history embedded.
func (c *Coordinator) saveCheckpoint() error {
	c.mu.Lock()
	if c.checkpoint == nil {
		c.mu.Unlock()
		return nil
	}
	cp := *c.checkpoint
	cp.Errors = c.errorHistoryLocked()
	c.mu.Unlock()

	return c.store.Save(&cp)
}

// saveCheckpointBestEffort saves the checkpoint before surfacing another
// error; its own failure is only logged.
func (c *Coordinator) saveCheckpointBestEffort() {
	if err := c.saveCheckpoint(); err != nil {
		c.logger.Error("failed to save checkpoint while handling failure", zap.Error(err))
	}
}

// recordItemError appends to the bounded error ring, evicting oldest first.
func (c *Coordinator) recordItemError(ie ItemError) {
	c.mu.Lock()
	c.appendErrorLocked(ie)
	c.mu.Unlock()

	c.analytics.RecordError()
}

// appendErrorLocked inserts into the error ring. Callers must hold c.mu.
func (c *Coordinator) appendErrorLocked(ie ItemError) {
	c.errHistory[c.errIndex] = ie
	c.errIndex = (c.errIndex + 1) % len(c.errHistory)
	if c.errCount < len(c.errHistory) {
		c.errCount++
	}
}

// errorHistoryLocked returns the ring contents oldest first. Callers must
// hold c.mu.
func (c *Coordinator) errorHistoryLocked() []ItemError {
	if c.errCount == 0 {
		return nil
	}
	out := make([]ItemError, 0, c.errCount)
	start := 0
	if c.errCount == len(c.errHistory) {
		start = c.errIndex
	}
	for i := 0; i < c.errCount; i++ {
		out = append(out, c.errHistory[(start+i)%len(c.errHistory)])
	}
	return out
}

func (c *Coordinator) setFatal(err error) {
	c.fatalErr.CompareAndSwap(nil, err)
}

func (c *Coordinator) fatal() error {
	if v := c.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (c *Coordinator) stopMaintenance() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.maintWG.Wait()
}

// analyticsTap feeds component events into run analytics before forwarding
// them to the caller's emitter.
type analyticsTap struct {
	analytics *Analytics
	next      events.Emitter
}

// Emit updates analytics counters and forwards the event
func (t *analyticsTap) Emit(name string, payload map[string]interface{}) {
	switch name {
	case events.EventCircuitBreaker:
		if to, ok := payload["to"].(string); ok && to == "open" {
			t.analytics.RecordBreakerTrip()
		}
	case events.EventRateLimit:
		t.analytics.RecordRateLimitHit()
	}
	t.next.Emit(name, payload)
}
