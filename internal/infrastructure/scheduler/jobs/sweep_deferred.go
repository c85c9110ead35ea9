// Package jobs contains the scheduled jobs of the crisis pipeline.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/domain/risk"
	"github.com/alem-hub/care-hub/internal/infrastructure/metrics"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// SWEEP DEFERRED SIGNALS JOB
// ══════════════════════════════════════════════════════════════════════════════

// Replayer re-applies a deferred signal to its risk profile.
type Replayer interface {
	Replay(ctx context.Context, d risk.DeferredSignal) error
}

// SweepDeferredConfig configures SweepDeferredJob.
type SweepDeferredConfig struct {
	// BatchSize is the number of signals taken per run.
	BatchSize int

	// MaxAttempts is how many failed re-applies a signal survives before
	// it is dropped.
	MaxAttempts int

	// Timeout bounds one run.
	Timeout time.Duration
}

// DefaultSweepDeferredConfig returns the default configuration.
func DefaultSweepDeferredConfig() SweepDeferredConfig {
	return SweepDeferredConfig{
		BatchSize:   100,
		MaxAttempts: 10,
		Timeout:     50 * time.Second,
	}
}

// SweepStats summarises one run.
type SweepStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Scanned   int
	Resolved  int
	Retried   int
	Dropped   int
}

// SweepDeferredJob re-applies signals whose profile write lost every CAS
// attempt when they arrived.
type SweepDeferredJob struct {
	queue    risk.DeferredQueue
	replayer Replayer
	logger   *zap.Logger
	metrics  *metrics.Metrics
	config   SweepDeferredConfig

	lastRunStats atomic.Pointer[SweepStats]
}

// NewSweepDeferredJob creates the job.
func NewSweepDeferredJob(queue risk.DeferredQueue, replayer Replayer, config SweepDeferredConfig, log *zap.Logger, m *metrics.Metrics) *SweepDeferredJob {
	def := DefaultSweepDeferredConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SweepDeferredJob{
		queue:    queue,
		replayer: replayer,
		logger:   log.With(logger.Component("sweep_deferred")),
		metrics:  m,
		config:   config,
	}
}

// Name implements scheduler.Job.
func (j *SweepDeferredJob) Name() string { return "sweep_deferred_signals" }

// Description implements scheduler.Job.
func (j *SweepDeferredJob) Description() string {
	return "Re-applies flagged signals whose risk profile write was deferred"
}

// Run implements scheduler.Job.
func (j *SweepDeferredJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	stats := &SweepStats{StartedAt: time.Now()}
	defer func() {
		stats.Duration = time.Since(stats.StartedAt)
		j.lastRunStats.Store(stats)
	}()

	pending, err := j.queue.Pending(ctx, j.config.BatchSize)
	if err != nil {
		return fmt.Errorf("list deferred signals: %w", err)
	}
	stats.Scanned = len(pending)

	var errs []error
	for _, d := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := j.sweep(ctx, d, stats); err != nil {
			errs = append(errs, err)
		}
	}

	if stats.Scanned > 0 {
		j.logger.Info("deferred signals swept",
			zap.Int("scanned", stats.Scanned),
			zap.Int("resolved", stats.Resolved),
			zap.Int("retried", stats.Retried),
			zap.Int("dropped", stats.Dropped),
		)
	}
	return errors.Join(errs...)
}

func (j *SweepDeferredJob) sweep(ctx context.Context, d risk.DeferredSignal, stats *SweepStats) error {
	replayErr := j.replayer.Replay(ctx, d)
	if replayErr == nil {
		stats.Resolved++
		j.metrics.DeferredSweep("resolved")
		return j.resolve(ctx, d.ID)
	}

	if d.Attempts+1 >= j.config.MaxAttempts {
		stats.Dropped++
		j.metrics.DeferredSweep("dropped")
		j.logger.Error("deferred signal dropped",
			zap.String("deferred_id", d.ID),
			logger.UserID(d.UserID.String()),
			logger.Severity(string(d.Severity)),
			logger.Attempt(d.Attempts+1),
			zap.Error(replayErr),
		)
		return j.resolve(ctx, d.ID)
	}

	stats.Retried++
	j.metrics.DeferredSweep("retry")
	if err := j.queue.RecordAttempt(ctx, d.ID, replayErr.Error()); err != nil && !errors.Is(err, risk.ErrDeferredNotFound) {
		return fmt.Errorf("record attempt for %s: %w", d.ID, err)
	}
	return nil
}

func (j *SweepDeferredJob) resolve(ctx context.Context, id string) error {
	if err := j.queue.Resolve(ctx, id); err != nil && !errors.Is(err, risk.ErrDeferredNotFound) {
		return fmt.Errorf("resolve deferred signal %s: %w", id, err)
	}
	return nil
}

// LastRunStats returns statistics from the last run, or nil.
func (j *SweepDeferredJob) LastRunStats() *SweepStats {
	return j.lastRunStats.Load()
}
