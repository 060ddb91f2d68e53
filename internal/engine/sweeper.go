package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"creator-job-engine/internal/telemetry"
)

// SweepOptions tune the periodic maintenance sweeps.
type SweepOptions struct {
	RetryBackoff  time.Duration // per-retry idle step, default 5m
	StuckTimeout  time.Duration // processing older than this is failed, default 30m
	RetentionAge  time.Duration // terminal jobs older than this are deleted, default 7d
	BatchSize     int
	Interval      time.Duration // retry + reaper cadence
	RetentionTick time.Duration // retention cadence
}

// DefaultSweepOptions mirrors the source system's cron cadence.
func DefaultSweepOptions() SweepOptions {
	return SweepOptions{
		RetryBackoff:  5 * time.Minute,
		StuckTimeout:  30 * time.Minute,
		RetentionAge:  7 * 24 * time.Hour,
		BatchSize:     100,
		Interval:      30 * time.Second,
		RetentionTick: time.Hour,
	}
}

// Sweeper runs the retry manager, the reaper, and retention cleanup on
// in-process timers. Every sweep is a conditional bulk update in the store,
// so a sweep can never resurrect a job a worker is concurrently settling.
type Sweeper struct {
	engine *Engine
	opts   SweepOptions
	log    *zap.Logger
}

// NewSweeper wires a sweeper around an engine.
func NewSweeper(e *Engine, opts SweepOptions, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Interval == 0 {
		opts = DefaultSweepOptions()
	}
	return &Sweeper{engine: e, opts: opts, log: log}
}

// Run blocks, sweeping on the configured intervals until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.opts.Interval)
	defer sweep.Stop()
	retention := time.NewTicker(s.opts.RetentionTick)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sweep.C:
			s.SweepOnce(ctx)
		case <-retention.C:
			if n, err := s.SweepRetention(ctx); err != nil {
				s.log.Warn("retention sweep", zap.Error(err))
			} else if n > 0 {
				s.log.Info("retention sweep removed jobs", zap.Int64("removed", n))
			}
		}
	}
}

// SweepOnce runs the retry, expiration, and stuck sweeps one time each.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if n, err := s.SweepRetries(ctx); err != nil {
		s.log.Warn("retry sweep", zap.Error(err))
	} else if n > 0 {
		s.log.Info("retry sweep requeued jobs", zap.Int("requeued", n))
	}
	if n, err := s.SweepExpired(ctx); err != nil {
		s.log.Warn("expiration sweep", zap.Error(err))
	} else if n > 0 {
		s.log.Info("expiration sweep failed jobs", zap.Int("expired", n))
	}
	if n, err := s.SweepStuck(ctx); err != nil {
		s.log.Warn("stuck sweep", zap.Error(err))
	} else if n > 0 {
		s.log.Warn("stuck sweep failed jobs", zap.Int("timed_out", n))
	}
}

// SweepRetries requeues failed jobs that still have retry budget and have
// been idle for at least retry_count times the backoff step.
func (s *Sweeper) SweepRetries(ctx context.Context) (int, error) {
	jobs, err := s.engine.store.RequeueEligibleFailures(ctx, s.engine.now(), s.opts.RetryBackoff, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		telemetry.RetryCounter.Inc()
		s.engine.publish(ctx, job)
	}
	return len(jobs), nil
}

// SweepExpired fails pending jobs past their expires_at without consuming a
// retry.
func (s *Sweeper) SweepExpired(ctx context.Context) (int, error) {
	jobs, err := s.engine.store.ExpirePendingJobs(ctx, s.engine.now(), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		telemetry.ExpiredCounter.Inc()
		s.engine.publish(ctx, job)
	}
	return len(jobs), nil
}

// SweepStuck fails processing jobs whose worker has been silent past the
// stuck timeout, protecting against workers that crashed mid-execution.
func (s *Sweeper) SweepStuck(ctx context.Context) (int, error) {
	cutoff := s.engine.now().Add(-s.opts.StuckTimeout)
	jobs, err := s.engine.store.FailStuckJobs(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		telemetry.TimeoutCounter.Inc()
		s.engine.publish(ctx, job)
	}
	return len(jobs), nil
}

// SweepRetention deletes terminal jobs (and their logs) past the retention age.
func (s *Sweeper) SweepRetention(ctx context.Context) (int64, error) {
	cutoff := s.engine.now().Add(-s.opts.RetentionAge)
	return s.engine.store.DeleteTerminalJobsBefore(ctx, cutoff)
}
