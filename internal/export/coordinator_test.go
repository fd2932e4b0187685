package export_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/siphon/internal/export"
	"github.com/ajitpratap0/siphon/pkg/config"
	"github.com/ajitpratap0/siphon/pkg/events"
	"github.com/ajitpratap0/siphon/pkg/host"
	"github.com/ajitpratap0/siphon/pkg/limiter"
	"github.com/ajitpratap0/siphon/pkg/ratelimit"
	"github.com/ajitpratap0/siphon/pkg/siphonerrors"
)

func ratelimitSignal(remaining, limit int, responseTime time.Duration) ratelimit.RemoteSignal {
	return ratelimit.RemoteSignal{
		Remaining:    remaining,
		Limit:        limit,
		ResponseTime: responseTime,
	}
}

// testConfig returns a config tuned so the resilience machinery never stalls
// a test: generous rate budget, long maintenance interval, no breaker trips
// from a handful of failures.
func testConfig(t *testing.T, name string) *config.ExportConfig {
	t.Helper()
	dir := t.TempDir()

	cfg := config.NewExportConfig(name)
	cfg.OutputPath = filepath.Join(dir, name+".jsonl")
	cfg.Checkpoint.Dir = filepath.Join(dir, "checkpoints")
	cfg.Checkpoint.Interval = time.Hour
	cfg.RateLimit.MaxRequests = 10000
	cfg.RateLimit.Window = time.Second
	cfg.CircuitBreaker.FailureThreshold = 1000
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.InitialDelay = time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func makeItems(n int) []*export.Item {
	items := make([]*export.Item, n)
	for i := range items {
		items[i] = &export.Item{
			ID:   fmt.Sprintf("page-%d", i),
			Data: map[string]interface{}{"index": i},
		}
	}
	return items
}

func identityTransform(ctx context.Context, item *export.Item) (interface{}, error) {
	return item.Data, nil
}

// TestCoordinator_FullExport verifies a fresh export writes every item,
// completes, and cleans up its checkpoint.
func TestCoordinator_FullExport(t *testing.T) {
	cfg := testConfig(t, "full")
	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	resumed, err := coord.Initialize(context.Background())
	require.NoError(t, err)
	assert.False(t, resumed)

	var yielded int64
	source := export.NewSliceSource(makeItems(10))
	err = coord.Stream(context.Background(), "pages", limiter.CategoryPages, source, identityTransform,
		func(*export.Item, interface{}) { atomic.AddInt64(&yielded, 1) })
	require.NoError(t, err)

	require.NoError(t, coord.Finalize())
	assert.Equal(t, export.StateCompleted, coord.State())
	assert.Equal(t, int64(10), atomic.LoadInt64(&yielded))

	cp := coord.Checkpoint()
	assert.Equal(t, int64(10), cp.ProcessedCount)
	assert.Equal(t, []string{"pages"}, cp.CompletedSections)

	assert.Len(t, readLines(t, cfg.OutputPath), 10)

	require.NoError(t, coord.Cleanup())
	store, err := export.NewCheckpointStore(cfg.Checkpoint.Dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	loaded, err := store.Load(cfg.Name)
	require.NoError(t, err)
	assert.Nil(t, loaded, "checkpoint removed after cleanup")
}

// TestCoordinator_ResumeAfterInterrupt verifies the 10-item kill-after-6
// scenario: the resumed run appends exactly the remaining 4 items.
func TestCoordinator_ResumeAfterInterrupt(t *testing.T) {
	cfg := testConfig(t, "resume")
	items := makeItems(10)

	// First run: the source dies after handing out 6 items
	first, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = first.Initialize(context.Background())
	require.NoError(t, err)

	served := 0
	dying := export.FuncSource(func(ctx context.Context) (*export.Item, error) {
		if served >= 6 {
			return nil, fmt.Errorf("connection reset by peer")
		}
		item := items[served]
		served++
		return item, nil
	})

	err = first.Stream(context.Background(), "pages", limiter.CategoryPages, dying, identityTransform, nil)
	require.Error(t, err)
	assert.Equal(t, export.StateFailed, first.State())
	require.NoError(t, first.Finalize())
	assert.Equal(t, export.StateFailed, first.State(), "a failed run never reports completed")

	assert.Len(t, readLines(t, cfg.OutputPath), 6)

	// Second run resumes from the checkpoint and sees the full source again
	second, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	resumed, err := second.Initialize(context.Background())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, int64(6), second.Checkpoint().ProcessedCount)

	err = second.Stream(context.Background(), "pages", limiter.CategoryPages,
		export.NewSliceSource(items), identityTransform, nil)
	require.NoError(t, err)
	require.NoError(t, second.Finalize())

	// Exactly 4 appended: 10 records total, no duplicates
	assert.Len(t, readLines(t, cfg.OutputPath), 10)
	assert.Equal(t, int64(10), second.Checkpoint().ProcessedCount)
	require.NoError(t, second.Cleanup())
}

// TestCoordinator_CompletedSectionSkipped verifies a finished section is
// never re-driven on resume.
func TestCoordinator_CompletedSectionSkipped(t *testing.T) {
	cfg := testConfig(t, "skip")

	first, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = first.Initialize(context.Background())
	require.NoError(t, err)
	require.NoError(t, first.Stream(context.Background(), "users", limiter.CategoryUsers,
		export.NewSliceSource(makeItems(3)), identityTransform, nil))
	require.NoError(t, first.Finalize())

	second, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	resumed, err := second.Initialize(context.Background())
	require.NoError(t, err)
	require.True(t, resumed)

	untouched := export.FuncSource(func(context.Context) (*export.Item, error) {
		t.Fatal("a completed section must not touch its source")
		return nil, nil
	})
	require.NoError(t, second.Stream(context.Background(), "users", limiter.CategoryUsers,
		untouched, identityTransform, nil))
	require.NoError(t, second.Finalize())

	assert.Len(t, readLines(t, cfg.OutputPath), 3)
}

// TestCoordinator_ItemFailureContinues verifies one failing item is recorded
// and the rest of the section still exports.
func TestCoordinator_ItemFailureContinues(t *testing.T) {
	cfg := testConfig(t, "itemfail")
	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	failing := func(ctx context.Context, item *export.Item) (interface{}, error) {
		if item.ID == "page-3" {
			return nil, siphonerrors.New(siphonerrors.ErrorTypePermanentRemote, "410 gone")
		}
		return item.Data, nil
	}

	err = coord.Stream(context.Background(), "pages", limiter.CategoryPages,
		export.NewSliceSource(makeItems(10)), failing, nil)
	require.NoError(t, err, "item failures never abort the section")
	require.NoError(t, coord.Finalize())

	assert.Len(t, readLines(t, cfg.OutputPath), 9)
	assert.Equal(t, int64(9), coord.Checkpoint().ProcessedCount)

	history := coord.ErrorHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "page-3", history[0].ObjectID)
	assert.Equal(t, "pages", history[0].Section)
	assert.Contains(t, history[0].Message, "410 gone")
}

// TestCoordinator_ErrorHistoryBounded verifies the per-item error history
// evicts oldest entries at its configured bound.
func TestCoordinator_ErrorHistoryBounded(t *testing.T) {
	cfg := testConfig(t, "errbound")
	cfg.Checkpoint.ErrorHistorySize = 5

	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	alwaysFail := func(ctx context.Context, item *export.Item) (interface{}, error) {
		return nil, siphonerrors.New(siphonerrors.ErrorTypePermanentRemote, "nope "+item.ID)
	}
	require.NoError(t, coord.Stream(context.Background(), "pages", limiter.CategoryPages,
		export.NewSliceSource(makeItems(20)), alwaysFail, nil))
	require.NoError(t, coord.Finalize())

	history := coord.ErrorHistory()
	assert.Len(t, history, 5)
}

// TestCoordinator_StateMachine verifies lifecycle misuse is rejected.
func TestCoordinator_StateMachine(t *testing.T) {
	cfg := testConfig(t, "states")
	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	// Streaming and cleanup before Initialize are invalid
	err = coord.Stream(context.Background(), "pages", limiter.CategoryPages,
		export.NewSliceSource(nil), identityTransform, nil)
	assert.True(t, siphonerrors.IsType(err, siphonerrors.ErrorTypeValidation))
	assert.Error(t, coord.Cleanup())

	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	// Double initialize is invalid
	_, err = coord.Initialize(context.Background())
	assert.Error(t, err)

	// Cleanup refuses while still running
	assert.Error(t, coord.Cleanup())

	require.NoError(t, coord.Finalize())
	assert.Equal(t, export.StateCompleted, coord.State())
	require.NoError(t, coord.Cleanup())
}

// TestCoordinator_MemoryBackpressure verifies sustained memory pressure
// shrinks concurrency and emits a backpressure event.
func TestCoordinator_MemoryBackpressure(t *testing.T) {
	cfg := testConfig(t, "memory")
	cfg.Checkpoint.Interval = 10 * time.Millisecond
	cfg.Memory.MaxMemoryMB = 1
	cfg.Memory.BackpressurePause = time.Millisecond

	clk := host.NewFakeClock(time.Now())
	mem := host.NewFixedMemory(64 * 1024 * 1024)
	rec := &events.RecordingEmitter{}
	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t),
		export.WithClock(clk), export.WithMemoryStats(mem), export.WithEmitter(rec))
	require.NoError(t, err)

	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	initial := coord.Stats().Limiters.Categories[limiter.CategoryPages].CurrentLimit
	require.Eventually(t, func() bool {
		clk.Advance(cfg.Checkpoint.Interval)
		return len(rec.Named(events.EventBackpressure)) > 0
	}, 2*time.Second, time.Millisecond)

	reduced := coord.Stats().Limiters.Categories[limiter.CategoryPages].CurrentLimit
	assert.Less(t, reduced, initial)

	require.NoError(t, coord.Finalize())
	summary := coord.Stats().Summary
	assert.Greater(t, summary.PeakMemoryBytes, int64(0))
}

// TestCoordinator_CancelMidStreamKeepsCheckpoint verifies an interrupted run
// never reports Completed, refuses Cleanup, and keeps its checkpoint so the
// next run can resume instead of re-appending everything.
func TestCoordinator_CancelMidStreamKeepsCheckpoint(t *testing.T) {
	cfg := testConfig(t, "cancel")
	cfg.Concurrency.MinPerCategory = 1
	cfg.Concurrency.InitialPerCategory = 1
	cfg.Concurrency.MaxPerCategory = 1

	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	blocking := func(tctx context.Context, item *export.Item) (interface{}, error) {
		once.Do(func() { close(started) })
		<-tctx.Done()
		return nil, tctx.Err()
	}
	go func() {
		<-started
		cancel()
	}()

	source := export.NewSliceSource(makeItems(10))
	err = coord.Stream(ctx, "pages", limiter.CategoryPages, source, blocking, nil)
	require.Error(t, err)
	assert.Equal(t, export.StateFailed, coord.State())

	require.NoError(t, coord.Finalize())
	assert.Equal(t, export.StateFailed, coord.State())
	require.Error(t, coord.Cleanup())

	store, err := export.NewCheckpointStore(cfg.Checkpoint.Dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	cp, err := store.Load(cfg.Name)
	require.NoError(t, err)
	require.NotNil(t, cp)
}

// TestCoordinator_BreakerRejectionsNotCountedAsCalls verifies items rejected
// by an open circuit never reach the transform and never count as API calls.
func TestCoordinator_BreakerRejectionsNotCountedAsCalls(t *testing.T) {
	cfg := testConfig(t, "rejections")
	cfg.Concurrency.MinPerCategory = 1
	cfg.Concurrency.InitialPerCategory = 1
	cfg.Concurrency.MaxPerCategory = 1
	cfg.CircuitBreaker.FailureThreshold = 1
	cfg.CircuitBreaker.ResetTimeout = time.Hour

	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	var calls int64
	failing := func(ctx context.Context, item *export.Item) (interface{}, error) {
		atomic.AddInt64(&calls, 1)
		return nil, siphonerrors.New(siphonerrors.ErrorTypePermanentRemote, "500 remote down")
	}

	source := export.NewSliceSource(makeItems(5))
	err = coord.Stream(context.Background(), "pages", limiter.CategoryPages, source, failing, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	assert.Equal(t, atomic.LoadInt64(&calls), coord.Stats().Summary.APICalls)
	assert.Len(t, coord.ErrorHistory(), 5)

	require.NoError(t, coord.Finalize())
}

// TestCoordinator_RemoteSignalReachesComponents verifies quota feedback flows
// into both the rate limiter and the category recommendations.
func TestCoordinator_RemoteSignalReachesComponents(t *testing.T) {
	cfg := testConfig(t, "signal")
	coord, err := export.NewCoordinator(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = coord.Initialize(context.Background())
	require.NoError(t, err)

	coord.ReportRemoteSignal(ratelimitSignal(1, 100, 80*time.Millisecond), limiter.CategoryPages)

	stats := coord.Stats()
	assert.Equal(t, 100, stats.RateLimit.RemoteLimit)
	assert.InDelta(t, 0.99, stats.RateLimit.QuotaUtilization, 0.001)
	assert.Equal(t, cfg.Concurrency.InitialPerCategory-1,
		stats.Limiters.Categories[limiter.CategoryPages].RecommendedLimit)

	require.NoError(t, coord.Finalize())
}
