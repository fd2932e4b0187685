// Package siphon provides an adaptive concurrency and resilience engine for
// exporting large paginated datasets from rate-limited remote APIs.
//
// An export drives lazy streams of items through per-category concurrency
// limiters that tune their own limits from observed performance, paced by an
// adaptive token bucket that adopts the remote API's quota signals, guarded
// by a circuit breaker, and checkpointed so an interrupted run resumes
// without duplicating work.
//
// # Quick Start
//
// Run an export through the coordinator:
//
//	import (
//	    "context"
//	    "github.com/ajitpratap0/siphon/internal/export"
//	    "github.com/ajitpratap0/siphon/pkg/config"
//	    "github.com/ajitpratap0/siphon/pkg/limiter"
//	    "github.com/ajitpratap0/siphon/pkg/logger"
//	)
//
//	cfg := config.NewExportConfig("workspace-backup")
//	coord, _ := export.NewCoordinator(cfg, logger.Get())
//
//	resumed, _ := coord.Initialize(context.Background())
//	_ = coord.Stream(ctx, "pages", limiter.CategoryPages, source, transform, nil)
//	_ = coord.Finalize()
//	_ = coord.Cleanup()
//
// # Key Packages
//
//	pkg/limiter      - dynamic per-category concurrency limits with auto-tuning
//	pkg/ratelimit    - adaptive token bucket tracking remote quota signals
//	pkg/breaker      - circuit breaker for the remote dependency
//	pkg/config       - unified YAML configuration with env substitution
//	pkg/host         - clock and process-memory facade for deterministic tests
//	internal/export  - streaming coordinator, checkpointing, output sink
//
// # Resilience Behavior
//
// Concurrency limits move within configured bounds: sustained errors or slow
// responses shrink a category's limit by 30%, a saturated healthy category
// grows by 20%. Remote quota headers throttle the token bucket before the
// remote API has to reject anything. A run of failures opens the circuit and
// fails fast until a probe succeeds. Memory pressure beyond the configured
// bound reclaims memory, then shrinks every category and briefly pauses
// intake.
//
// Progress is checkpointed after sections and on a fixed interval; the
// checkpoint is removed only after a fully successful export, so every
// interruption leaves a resumable trail.
package siphon
