package store

import (
	"context"
	"errors"
	"time"

	"creator-job-engine/internal/models"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	UserID       string
	Type         string
	Priority     int
	Params       map[string]any
	MaxRetries   int
	ScheduledFor time.Time
	ExpiresAt    time.Time
}

// ListJobsParams filters and paginates a user's jobs.
type ListJobsParams struct {
	UserID   string
	Status   string
	Type     string
	Limit    int
	Offset   int
	SortBy   string // created_at, updated_at, priority, status
	SortDesc bool
}

// ListLogsParams paginates a job's log trail.
type ListLogsParams struct {
	JobID  string
	Level  string
	Limit  int
	Offset int
}

// Store is the durable job table. Every state transition is a conditional
// update: it succeeds only when the row is still in the state the transition
// expects, so competing workers and sweeps can never double-apply it. Methods
// returning (Job, bool, ...) report false when the guard did not match.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)

	// FindActiveDuplicate returns a pending or processing job for the same
	// (user, type, params) created at or after since.
	FindActiveDuplicate(ctx context.Context, userID, jobType string, params map[string]any, since time.Time) (models.Job, bool, error)
	// FindRecentCompleted returns the most recent completed job for the same
	// (user, type, params) whose completion is at or after completedAfter.
	FindRecentCompleted(ctx context.Context, userID, jobType string, params map[string]any, completedAfter time.Time) (models.Job, bool, error)
	// CountActiveJobs counts the user's pending plus processing jobs. Always a
	// live count against current rows, never a cached counter.
	CountActiveJobs(ctx context.Context, userID string) (int, error)

	// ClaimNextJob atomically selects the highest-priority, earliest-scheduled
	// pending job with scheduled_for <= now, marks it processing, and stamps
	// worker_id and started_at. Returns false when nothing is claimable.
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error)

	UpdateProgress(ctx context.Context, jobID string, percent int, message string) (models.Job, bool, error)
	CompleteJob(ctx context.Context, jobID, workerID string, result map[string]any) (models.Job, bool, error)
	FailJob(ctx context.Context, jobID, workerID, message, code string, detail map[string]any) (models.Job, bool, error)
	// CancelJob cancels a pending or processing job owned by userID.
	CancelJob(ctx context.Context, jobID, userID string) (models.Job, bool, error)

	// RequeueEligibleFailures resets retryable failed jobs to pending:
	// retry_count < max_retries, idle for at least retry_count*backoffStep,
	// and not failed with a terminal sweep code.
	RequeueEligibleFailures(ctx context.Context, now time.Time, backoffStep time.Duration, limit int) ([]models.Job, error)
	// ExpirePendingJobs fails pending jobs whose expires_at has passed,
	// without consuming a retry.
	ExpirePendingJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	// FailStuckJobs fails processing jobs whose started_at is before cutoff.
	FailStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	// DeleteTerminalJobsBefore removes terminal jobs (and their logs) whose
	// completed_at is before cutoff.
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, int64, error)
	AppendLog(ctx context.Context, jobID, level, message string, metadata map[string]any) error
	ListLogs(ctx context.Context, p ListLogsParams) ([]models.JobLogEntry, int64, error)
}

// SortColumn validates a requested sort column, falling back to created_at.
func SortColumn(requested string) string {
	switch requested {
	case "created_at", "updated_at", "priority", "status":
		return requested
	}
	return "created_at"
}
