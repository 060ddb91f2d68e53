// Package worker runs the claim-execute loop. Workers poll the engine for
// claimable jobs on a fixed interval; there is no push-based assignment, so a
// crashed worker needs no coordinator cleanup beyond the reaper sweeps.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"creator-job-engine/internal/engine"
	"creator-job-engine/internal/models"
	"creator-job-engine/internal/telemetry"
)

// Reporter lets a handler publish progress and log lines for its job.
type Reporter interface {
	// Progress returns engine.ErrNotProcessing once the job is cancelled or
	// reaped; handlers should stop at that point.
	Progress(ctx context.Context, percent int, message string) error
	Log(ctx context.Context, level, message string, metadata map[string]any)
}

// Handler executes a job of one type and returns its result document.
type Handler func(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error)

// Processor drives the worker execution loop.
type Processor struct {
	engine       *engine.Engine
	handlers     map[string]Handler
	workerID     string
	pollInterval time.Duration
	log          *zap.Logger
}

// NewProcessor creates a processor identified by workerID.
func NewProcessor(e *engine.Engine, workerID string, pollInterval time.Duration, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Processor{
		engine:       e,
		handlers:     make(map[string]Handler),
		workerID:     workerID,
		pollInterval: pollInterval,
		log:          log,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls for claimable work until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain claims and executes jobs until the queue has nothing eligible.
func (p *Processor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := p.engine.Claim(ctx, p.workerID)
		if err != nil {
			p.log.Warn("claim failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		p.execute(ctx, job)
	}
}

// execute runs the handler for one claimed job and settles it.
func (p *Processor) execute(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	rep := &jobReporter{engine: p.engine, jobID: job.ID, log: p.log}

	handler, ok := p.handlers[job.Type]
	if !ok {
		msg := fmt.Sprintf("no handler registered for type %q", job.Type)
		rep.Log(ctx, models.LogError, msg, nil)
		p.settleFail(ctx, job.ID, msg, "NO_HANDLER", nil)
		return
	}

	rep.Log(ctx, models.LogInfo, "handler started", map[string]any{"worker_id": p.workerID})
	result, err := handler(ctx, job, rep)
	if err != nil {
		rep.Log(ctx, models.LogError, err.Error(), nil)
		p.settleFail(ctx, job.ID, err.Error(), "", nil)
		return
	}

	if err := p.engine.Complete(ctx, job.ID, p.workerID, result); err != nil {
		if errors.Is(err, engine.ErrAlreadySettled) {
			// Job was cancelled or reaped mid-flight; nothing to do.
			p.log.Debug("complete on settled job", zap.String("job_id", job.ID))
			return
		}
		p.log.Warn("complete failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (p *Processor) settleFail(ctx context.Context, jobID, message, code string, detail map[string]any) {
	if err := p.engine.Fail(ctx, jobID, p.workerID, message, code, detail); err != nil {
		if errors.Is(err, engine.ErrAlreadySettled) {
			p.log.Debug("fail on settled job", zap.String("job_id", jobID))
			return
		}
		p.log.Warn("fail failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

type jobReporter struct {
	engine *engine.Engine
	jobID  string
	log    *zap.Logger
}

func (r *jobReporter) Progress(ctx context.Context, percent int, message string) error {
	return r.engine.ReportProgress(ctx, r.jobID, percent, message)
}

func (r *jobReporter) Log(ctx context.Context, level, message string, metadata map[string]any) {
	if err := r.engine.AppendLog(ctx, r.jobID, level, message, metadata); err != nil {
		r.log.Warn("append job log", zap.String("job_id", r.jobID), zap.Error(err))
	}
}

// backoffWithJitter spaces out retries of transient upstream calls inside
// handlers. Job-level retry scheduling belongs to the engine's retry sweep.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
