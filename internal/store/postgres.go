package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"creator-job-engine/internal/models"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, user_id, type, priority, params, status, progress_percent, progress_message,
	worker_id, started_at, completed_at, error_message, error_code, error_detail,
	retry_count, max_retries, result, scheduled_for, expires_at, created_at, updated_at`

// CreateJob inserts a job row in pending state.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, user_id, type, priority, params, status, retry_count, max_retries, scheduled_for, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, $10)
	`, id, p.UserID, p.Type, p.Priority, paramsJSON, models.StatusPending, p.MaxRetries, p.ScheduledFor, p.ExpiresAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:           id,
		UserID:       p.UserID,
		Type:         p.Type,
		Priority:     p.Priority,
		Params:       p.Params,
		Status:       models.StatusPending,
		MaxRetries:   p.MaxRetries,
		ScheduledFor: p.ScheduledFor,
		ExpiresAt:    p.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// FindActiveDuplicate matches on exact jsonb equality of params.
func (s *Postgres) FindActiveDuplicate(ctx context.Context, userID, jobType string, params map[string]any, since time.Time) (models.Job, bool, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal params: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND type = $2 AND params = $3::jsonb
		  AND status IN ($4, $5) AND created_at >= $6
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, jobType, paramsJSON, models.StatusPending, models.StatusProcessing, since)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find duplicate: %w", err)
	}
	return job, true, nil
}

// FindRecentCompleted returns the freshest completed job for the key.
func (s *Postgres) FindRecentCompleted(ctx context.Context, userID, jobType string, params map[string]any, completedAfter time.Time) (models.Job, bool, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal params: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND type = $2 AND params = $3::jsonb
		  AND status = $4 AND completed_at >= $5
		ORDER BY completed_at DESC
		LIMIT 1
	`, userID, jobType, paramsJSON, models.StatusCompleted, completedAfter)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find cached result: %w", err)
	}
	return job, true, nil
}

// CountActiveJobs is a live count, never a cached counter.
func (s *Postgres) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, models.StatusPending, models.StatusProcessing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// ClaimNextJob claims in a single conditional update. The inner select uses
// SKIP LOCKED so concurrent claimers pass over rows mid-claim; the outer
// status guard keeps the update compare-and-swap even without the lock.
func (s *Postgres) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, worker_id = $2, started_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $4 AND scheduled_for <= $3
			ORDER BY priority DESC, scheduled_for ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		) AND status = $4
		RETURNING `+jobColumns,
		models.StatusProcessing, workerID, now.UTC(), models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// UpdateProgress only touches rows still processing.
func (s *Postgres) UpdateProgress(ctx context.Context, jobID string, percent int, message string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET progress_percent = $2, progress_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING `+jobColumns,
		jobID, percent, message, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("update progress: %w", err)
	}
	return job, true, nil
}

// CompleteJob settles a job held by workerID.
func (s *Postgres) CompleteJob(ctx context.Context, jobID, workerID string, result map[string]any) (models.Job, bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal result: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, result = $4, progress_percent = 100, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $5 AND worker_id = $2
		RETURNING `+jobColumns,
		jobID, workerID, models.StatusCompleted, resultJSON, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("complete job: %w", err)
	}
	return job, true, nil
}

// FailJob records a handler failure for a job held by workerID.
func (s *Postgres) FailJob(ctx context.Context, jobID, workerID, message, code string, detail map[string]any) (models.Job, bool, error) {
	var detailJSON []byte
	if detail != nil {
		var err error
		detailJSON, err = json.Marshal(detail)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("marshal error detail: %w", err)
		}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, error_message = $4, error_code = NULLIF($5, ''), error_detail = $6,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $7 AND worker_id = $2
		RETURNING `+jobColumns,
		jobID, workerID, models.StatusFailed, message, code, detailJSON, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("fail job: %w", err)
	}
	return job, true, nil
}

// CancelJob cancels a non-terminal job owned by userID.
func (s *Postgres) CancelJob(ctx context.Context, jobID, userID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status IN ($4, $5)
		RETURNING `+jobColumns,
		jobID, userID, models.StatusCancelled, models.StatusPending, models.StatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("cancel job: %w", err)
	}
	return job, true, nil
}

// RequeueEligibleFailures resets retryable failures to pending. Sweep codes
// are excluded because expiry/timeout failures are terminal.
func (s *Postgres) RequeueEligibleFailures(ctx context.Context, now time.Time, backoffStep time.Duration, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $4, retry_count = retry_count + 1,
		    error_message = NULL, error_code = NULL, error_detail = NULL,
		    progress_percent = 0, progress_message = '',
		    worker_id = NULL, started_at = NULL, completed_at = NULL,
		    scheduled_for = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $5
			  AND retry_count < max_retries
			  AND (error_code IS NULL OR error_code NOT IN ($6, $7))
			  AND updated_at <= $1 - make_interval(secs => retry_count * $2)
			ORDER BY updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		) AND status = $5
		RETURNING `+jobColumns,
		now.UTC(), backoffStep.Seconds(), limit,
		models.StatusPending, models.StatusFailed, models.CodeJobExpired, models.CodeJobTimeout)
	if err != nil {
		return nil, fmt.Errorf("requeue failures: %w", err)
	}
	return collectJobs(rows)
}

// ExpirePendingJobs fails pending jobs past their expires_at.
func (s *Postgres) ExpirePendingJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $3, error_code = $4, error_message = $5, completed_at = $1, updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $6 AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = $6
		RETURNING `+jobColumns,
		now.UTC(), limit, models.StatusFailed, models.CodeJobExpired,
		"job expired before being claimed", models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("expire pending jobs: %w", err)
	}
	return collectJobs(rows)
}

// FailStuckJobs fails processing jobs whose worker went silent.
func (s *Postgres) FailStuckJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = $3, error_code = $4, error_message = $5, completed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $6 AND started_at <= $1
			ORDER BY started_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = $6
		RETURNING `+jobColumns,
		cutoff.UTC(), limit, models.StatusFailed, models.CodeJobTimeout,
		"worker did not report completion within the stuck timeout", models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("fail stuck jobs: %w", err)
	}
	return collectJobs(rows)
}

// DeleteTerminalJobsBefore removes settled jobs past retention; logs cascade.
func (s *Postgres) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($2, $3, $4) AND completed_at <= $1
	`, cutoff.UTC(), models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns one page of the user's jobs plus the total match count.
func (s *Postgres) ListJobs(ctx context.Context, p ListJobsParams) ([]models.Job, int64, error) {
	where := []string{"user_id = $1"}
	args := []any{p.UserID}
	if p.Status != "" {
		args = append(args, p.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if p.Type != "" {
		args = append(args, p.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}
	args = append(args, p.Limit, p.Offset)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY %s %s, id ASC LIMIT $%d OFFSET $%d`,
		jobColumns, cond, SortColumn(p.SortBy), dir, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// AppendLog adds an immutable log row.
func (s *Postgres) AppendLog(ctx context.Context, jobID, level, message string, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_logs (job_id, level, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, level, message, metaJSON)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns one page of a job's log trail plus the total match count.
func (s *Postgres) ListLogs(ctx context.Context, p ListLogsParams) ([]models.JobLogEntry, int64, error) {
	where := []string{"job_id = $1"}
	args := []any{p.JobID}
	if p.Level != "" {
		args = append(args, p.Level)
		where = append(where, fmt.Sprintf("level = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_logs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	args = append(args, p.Limit, p.Offset)
	query := fmt.Sprintf(`
		SELECT id, job_id, level, message, metadata, created_at
		FROM job_logs WHERE %s ORDER BY id ASC LIMIT $%d OFFSET $%d`,
		cond, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var entries []models.JobLogEntry
	for rows.Next() {
		var e models.JobLogEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &metaJSON, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan log: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("unmarshal log metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate logs: %w", err)
	}
	return entries, total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var paramsJSON, detailJSON, resultJSON []byte
	var workerID, errMsg, errCode pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(
		&job.ID, &job.UserID, &job.Type, &job.Priority, &paramsJSON, &job.Status,
		&job.ProgressPercent, &job.ProgressMessage,
		&workerID, &startedAt, &completedAt, &errMsg, &errCode, &detailJSON,
		&job.RetryCount, &job.MaxRetries, &resultJSON,
		&job.ScheduledFor, &job.ExpiresAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return models.Job{}, err
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &job.ErrorDetail); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal error detail: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.WorkerID = textPtr(workerID)
	job.ErrorMessage = textPtr(errMsg)
	job.ErrorCode = textPtr(errCode)
	job.StartedAt = timestampPtr(startedAt)
	job.CompletedAt = timestampPtr(completedAt)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timestampPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
