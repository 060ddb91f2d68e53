// Package engine implements the job lifecycle: enqueue with deduplication,
// result caching and quota enforcement, atomic claim, progress reporting,
// completion, failure, cancellation, and the ownership-checked query API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"creator-job-engine/internal/models"
	"creator-job-engine/internal/notify"
	"creator-job-engine/internal/store"
	"creator-job-engine/internal/telemetry"
)

// Errors surfaced to callers. The HTTP layer maps these to status codes.
var (
	ErrInvalidRequest   = errors.New("invalid enqueue request")
	ErrInvalidJobType   = errors.New("unknown job type")
	ErrInvalidPriority  = errors.New("priority must be between 1 and 10")
	ErrCapacityExceeded = errors.New("user has too many active jobs")
	ErrAccessDenied     = errors.New("job belongs to another user")
	ErrNotProcessing    = errors.New("job is not processing")
	ErrAlreadySettled   = errors.New("job already settled")
	ErrNotCancellable   = errors.New("job is not cancellable")
	ErrNotFound         = store.ErrNotFound
)

// Options tune the engine's windows and ceilings.
type Options struct {
	DedupWindow     time.Duration
	ResultCacheTTL  time.Duration
	UserJobQuota    int
	MaxRetries      int
	DefaultJobTTL   time.Duration
	DefaultPriority int
}

// DefaultOptions returns the engine defaults from the source system.
func DefaultOptions() Options {
	return Options{
		DedupWindow:     5 * time.Minute,
		ResultCacheTTL:  time.Hour,
		UserJobQuota:    10,
		MaxRetries:      3,
		DefaultJobTTL:   24 * time.Hour,
		DefaultPriority: 5,
	}
}

// Engine coordinates the job store and the notification publisher. It holds
// no job state of its own; the store is the single source of truth.
type Engine struct {
	store store.Store
	pub   notify.Publisher
	log   *zap.Logger
	opts  Options

	now func() time.Time
}

// New constructs an engine. A nil publisher disables notifications.
func New(st store.Store, pub notify.Publisher, log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.DedupWindow == 0 {
		opts = DefaultOptions()
	}
	return &Engine{
		store: st,
		pub:   pub,
		log:   log,
		opts:  opts,
		now:   time.Now,
	}
}

// EnqueueRequest carries everything needed to create or reuse a job.
type EnqueueRequest struct {
	UserID       string
	Type         string
	Params       map[string]any
	Priority     int
	ScheduledFor *time.Time
	MaxRetries   int
}

// EnqueueResult reports what EnqueueOrReuse did. IsNew is false when the
// request coalesced onto an in-flight duplicate or hit the result cache.
type EnqueueResult struct {
	Job       models.Job
	IsNew     bool
	FromCache bool
}

// EnqueueOrReuse creates a job unless an equivalent one is already in flight
// (dedup window) or recently completed (result cache). Validation and the
// per-user concurrency ceiling are enforced synchronously; nothing invalid is
// ever stored.
func (e *Engine) EnqueueOrReuse(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if req.UserID == "" {
		return EnqueueResult{}, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if !models.IsKnownType(req.Type) {
		return EnqueueResult{}, fmt.Errorf("%w: %q", ErrInvalidJobType, req.Type)
	}
	if req.Priority == 0 {
		req.Priority = e.opts.DefaultPriority
	}
	if req.Priority < models.MinPriority || req.Priority > models.MaxPriority {
		return EnqueueResult{}, fmt.Errorf("%w: got %d", ErrInvalidPriority, req.Priority)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = e.opts.MaxRetries
	}

	now := e.now().UTC()

	// An identical request inside the dedup window rides the existing job.
	if dup, found, err := e.store.FindActiveDuplicate(ctx, req.UserID, req.Type, req.Params, now.Add(-e.opts.DedupWindow)); err != nil {
		return EnqueueResult{}, err
	} else if found {
		telemetry.DedupHits.Inc()
		e.log.Debug("enqueue coalesced onto in-flight job",
			zap.String("job_id", dup.ID), zap.String("type", req.Type))
		return EnqueueResult{Job: dup, IsNew: false}, nil
	}

	// A fresh completed result is returned without re-running the work.
	if cached, found, err := e.store.FindRecentCompleted(ctx, req.UserID, req.Type, req.Params, now.Add(-e.opts.ResultCacheTTL)); err != nil {
		return EnqueueResult{}, err
	} else if found {
		telemetry.CacheHits.Inc()
		e.log.Debug("enqueue served from result cache",
			zap.String("job_id", cached.ID), zap.String("type", req.Type))
		return EnqueueResult{Job: cached, IsNew: false, FromCache: true}, nil
	}

	active, err := e.store.CountActiveJobs(ctx, req.UserID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if active >= e.opts.UserJobQuota {
		telemetry.QuotaRejects.Inc()
		return EnqueueResult{}, fmt.Errorf("%w: %d active, limit %d", ErrCapacityExceeded, active, e.opts.UserJobQuota)
	}

	scheduledFor := now
	if req.ScheduledFor != nil && req.ScheduledFor.After(now) {
		scheduledFor = req.ScheduledFor.UTC()
	}

	job, err := e.store.CreateJob(ctx, store.CreateJobParams{
		UserID:       req.UserID,
		Type:         req.Type,
		Priority:     req.Priority,
		Params:       req.Params,
		MaxRetries:   req.MaxRetries,
		ScheduledFor: scheduledFor,
		ExpiresAt:    now.Add(e.opts.DefaultJobTTL),
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	telemetry.EnqueueCounter.Inc()
	e.publish(ctx, job)
	e.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("type", job.Type),
		zap.Int("priority", job.Priority))
	return EnqueueResult{Job: job, IsNew: true}, nil
}

// Claim atomically takes the next eligible job for workerID. ok is false when
// no job is claimable right now.
func (e *Engine) Claim(ctx context.Context, workerID string) (models.Job, bool, error) {
	job, ok, err := e.store.ClaimNextJob(ctx, workerID, e.now())
	if err != nil || !ok {
		return models.Job{}, false, err
	}
	telemetry.ClaimCounter.Inc()
	e.publish(ctx, job)
	e.log.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.String("worker_id", workerID))
	return job, true, nil
}

// ReportProgress updates a processing job's progress. Returns
// ErrNotProcessing when the job is no longer processing, which doubles as the
// cooperative cancellation signal for handlers.
func (e *Engine) ReportProgress(ctx context.Context, jobID string, percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job, ok, err := e.store.UpdateProgress(ctx, jobID, percent, message)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotProcessing
	}
	e.publish(ctx, job)
	return nil
}

// AppendLog attaches an immutable log entry to a job.
func (e *Engine) AppendLog(ctx context.Context, jobID, level, message string, metadata map[string]any) error {
	switch level {
	case models.LogDebug, models.LogInfo, models.LogWarning, models.LogError:
	default:
		level = models.LogInfo
	}
	return e.store.AppendLog(ctx, jobID, level, message, metadata)
}

// Complete settles a job held by workerID with its result document. Returns
// ErrAlreadySettled when the job is no longer processing (for example after
// cancellation or a stuck-timeout); callers should treat that as a no-op.
func (e *Engine) Complete(ctx context.Context, jobID, workerID string, result map[string]any) error {
	job, ok, err := e.store.CompleteJob(ctx, jobID, workerID, result)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadySettled
	}
	telemetry.CompleteCounter.Inc()
	e.publish(ctx, job)
	e.log.Info("job completed", zap.String("job_id", jobID), zap.String("worker_id", workerID))
	return nil
}

// Fail records a handler failure for a job held by workerID. The retry sweep
// decides later whether the job is requeued.
func (e *Engine) Fail(ctx context.Context, jobID, workerID, message, code string, detail map[string]any) error {
	job, ok, err := e.store.FailJob(ctx, jobID, workerID, message, code, detail)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadySettled
	}
	telemetry.FailCounter.Inc()
	e.publish(ctx, job)
	e.log.Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("worker_id", workerID),
		zap.String("error", message),
		zap.Int("retry_count", job.RetryCount))
	return nil
}

// Cancel cancels a pending or processing job on behalf of its owner.
// Cancellation is advisory for processing jobs: the worker's in-flight call
// is not interrupted, its eventual Complete/Fail just no-ops.
func (e *Engine) Cancel(ctx context.Context, jobID, userID string) (models.Job, error) {
	job, ok, err := e.store.CancelJob(ctx, jobID, userID)
	if err != nil {
		return models.Job{}, err
	}
	if !ok {
		// Distinguish missing, foreign, and already-terminal jobs.
		existing, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return models.Job{}, err
		}
		if existing.UserID != userID {
			return models.Job{}, ErrAccessDenied
		}
		return models.Job{}, ErrNotCancellable
	}
	telemetry.CancelCounter.Inc()
	e.publish(ctx, job)
	e.log.Info("job cancelled", zap.String("job_id", jobID), zap.String("user_id", userID))
	return job, nil
}

// GetJob fetches a job after verifying ownership.
func (e *Engine) GetJob(ctx context.Context, jobID, userID string) (models.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.UserID != userID {
		return models.Job{}, ErrAccessDenied
	}
	return job, nil
}

// ListJobsRequest filters and paginates a user's jobs.
type ListJobsRequest struct {
	UserID   string
	Status   string
	Type     string
	Limit    int
	Offset   int
	SortBy   string
	SortDesc bool
}

// ListJobs returns one page of the user's jobs plus the total match count.
func (e *Engine) ListJobs(ctx context.Context, req ListJobsRequest) ([]models.Job, int64, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	return e.store.ListJobs(ctx, store.ListJobsParams{
		UserID:   req.UserID,
		Status:   req.Status,
		Type:     req.Type,
		Limit:    limit,
		Offset:   offset,
		SortBy:   req.SortBy,
		SortDesc: req.SortDesc,
	})
}

// ListLogs returns a page of a job's log trail. The ownership check is
// mandatory: a caller who does not own the parent job gets ErrAccessDenied,
// never an empty page.
func (e *Engine) ListLogs(ctx context.Context, jobID, userID, level string, limit, offset int) ([]models.JobLogEntry, int64, error) {
	if _, err := e.GetJob(ctx, jobID, userID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.ListLogs(ctx, store.ListLogsParams{
		JobID:  jobID,
		Level:  level,
		Limit:  limit,
		Offset: offset,
	})
}

func (e *Engine) publish(ctx context.Context, job models.Job) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, models.EventFromJob(job, e.now().UTC())); err != nil {
		e.log.Warn("publish job event", zap.String("job_id", job.ID), zap.Error(err))
	}
}
