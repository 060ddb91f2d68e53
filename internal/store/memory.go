package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"creator-job-engine/internal/models"
)

// Memory is a mutex-guarded Store used by tests and single-node development.
// Every transition holds the lock for the full read-check-write, which gives
// the same compare-and-swap guarantee the Postgres implementation gets from
// conditional updates.
type Memory struct {
	mu        sync.Mutex
	jobs      map[string]*models.Job
	logs      []models.JobLogEntry
	nextLogID int64
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

func (s *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	job := models.Job{
		ID:           uuid.New().String(),
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
	}
	s.jobs[job.ID] = &job
	return cloneJob(&job), nil
}

func (s *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *Memory) FindActiveDuplicate(_ context.Context, userID, jobType string, params map[string]any, since time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := canonicalParams(params)
	var best *models.Job
	for _, j := range s.jobs {
		if j.UserID != userID || j.Type != jobType {
			continue
		}
		if j.Status != models.StatusPending && j.Status != models.StatusProcessing {
			continue
		}
		if j.CreatedAt.Before(since) || canonicalParams(j.Params) != key {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}
	return cloneJob(best), true, nil
}

func (s *Memory) FindRecentCompleted(_ context.Context, userID, jobType string, params map[string]any, completedAfter time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := canonicalParams(params)
	var best *models.Job
	for _, j := range s.jobs {
		if j.UserID != userID || j.Type != jobType || j.Status != models.StatusCompleted {
			continue
		}
		if j.CompletedAt == nil || j.CompletedAt.Before(completedAfter) {
			continue
		}
		if canonicalParams(j.Params) != key {
			continue
		}
		if best == nil || j.CompletedAt.After(*best.CompletedAt) {
			best = j
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}
	return cloneJob(best), true, nil
}

func (s *Memory) CountActiveJobs(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.UserID == userID && (j.Status == models.StatusPending || j.Status == models.StatusProcessing) {
			n++
		}
	}
	return n, nil
}

func (s *Memory) ClaimNextJob(_ context.Context, workerID string, now time.Time) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, j := range s.jobs {
		if j.Status != models.StatusPending || j.ScheduledFor.After(now) {
			continue
		}
		if best == nil || claimOrderLess(j, best) {
			best = j
		}
	}
	if best == nil {
		return models.Job{}, false, nil
	}

	ts := now.UTC()
	best.Status = models.StatusProcessing
	best.WorkerID = &workerID
	best.StartedAt = &ts
	best.UpdatedAt = ts
	return cloneJob(best), true, nil
}

// claimOrderLess orders by priority descending, scheduled_for ascending, id ascending.
func claimOrderLess(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	return a.ID < b.ID
}

func (s *Memory) UpdateProgress(_ context.Context, jobID string, percent int, message string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusProcessing {
		return models.Job{}, false, nil
	}
	j.ProgressPercent = percent
	j.ProgressMessage = message
	j.UpdatedAt = time.Now().UTC()
	return cloneJob(j), true, nil
}

func (s *Memory) CompleteJob(_ context.Context, jobID, workerID string, result map[string]any) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		return models.Job{}, false, nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusCompleted
	j.Result = result
	j.ProgressPercent = 100
	j.CompletedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), true, nil
}

func (s *Memory) FailJob(_ context.Context, jobID, workerID, message, code string, detail map[string]any) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != models.StatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		return models.Job{}, false, nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusFailed
	j.ErrorMessage = &message
	if code != "" {
		j.ErrorCode = &code
	} else {
		j.ErrorCode = nil
	}
	j.ErrorDetail = detail
	j.CompletedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), true, nil
}

func (s *Memory) CancelJob(_ context.Context, jobID, userID string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.UserID != userID {
		return models.Job{}, false, nil
	}
	if j.Status != models.StatusPending && j.Status != models.StatusProcessing {
		return models.Job{}, false, nil
	}
	now := time.Now().UTC()
	j.Status = models.StatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return cloneJob(j), true, nil
}

func (s *Memory) RequeueEligibleFailures(_ context.Context, now time.Time, backoffStep time.Duration, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Job
	for _, j := range s.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status != models.StatusFailed || j.RetryCount >= j.MaxRetries {
			continue
		}
		if j.ErrorCode != nil && (*j.ErrorCode == models.CodeJobExpired || *j.ErrorCode == models.CodeJobTimeout) {
			continue
		}
		idle := time.Duration(j.RetryCount) * backoffStep
		if j.UpdatedAt.After(now.Add(-idle)) {
			continue
		}
		ts := now.UTC()
		j.Status = models.StatusPending
		j.RetryCount++
		j.ErrorMessage = nil
		j.ErrorCode = nil
		j.ErrorDetail = nil
		j.ProgressPercent = 0
		j.ProgressMessage = ""
		j.WorkerID = nil
		j.StartedAt = nil
		j.CompletedAt = nil
		j.ScheduledFor = ts
		j.UpdatedAt = ts
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Memory) ExpirePendingJobs(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := "job expired before being claimed"
	code := models.CodeJobExpired
	var out []models.Job
	for _, j := range s.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status != models.StatusPending || j.ExpiresAt.After(now) {
			continue
		}
		ts := now.UTC()
		j.Status = models.StatusFailed
		j.ErrorCode = &code
		j.ErrorMessage = &msg
		j.CompletedAt = &ts
		j.UpdatedAt = ts
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Memory) FailStuckJobs(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := "worker did not report completion within the stuck timeout"
	code := models.CodeJobTimeout
	var out []models.Job
	for _, j := range s.jobs {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status != models.StatusProcessing || j.StartedAt == nil || j.StartedAt.After(cutoff) {
			continue
		}
		now := time.Now().UTC()
		j.Status = models.StatusFailed
		j.ErrorCode = &code
		j.ErrorMessage = &msg
		j.CompletedAt = &now
		j.UpdatedAt = now
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Memory) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, j := range s.jobs {
		if !j.Terminal() || j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.jobs, id)
		removed++
		kept := s.logs[:0]
		for _, e := range s.logs {
			if e.JobID != id {
				kept = append(kept, e)
			}
		}
		s.logs = kept
	}
	return removed, nil
}

func (s *Memory) ListJobs(_ context.Context, p ListJobsParams) ([]models.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*models.Job
	for _, j := range s.jobs {
		if j.UserID != p.UserID {
			continue
		}
		if p.Status != "" && j.Status != p.Status {
			continue
		}
		if p.Type != "" && j.Type != p.Type {
			continue
		}
		matched = append(matched, j)
	}

	col := SortColumn(p.SortBy)
	sort.Slice(matched, func(a, b int) bool {
		ja, jb := matched[a], matched[b]
		less, eq := compareJobs(ja, jb, col)
		if eq {
			return ja.ID < jb.ID
		}
		if p.SortDesc {
			return !less
		}
		return less
	})

	total := int64(len(matched))
	start := p.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}
	out := make([]models.Job, 0, end-start)
	for _, j := range matched[start:end] {
		out = append(out, cloneJob(j))
	}
	return out, total, nil
}

func compareJobs(a, b *models.Job, col string) (less, eq bool) {
	switch col {
	case "updated_at":
		return a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
	case "priority":
		return a.Priority < b.Priority, a.Priority == b.Priority
	case "status":
		return a.Status < b.Status, a.Status == b.Status
	default:
		return a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
	}
}

func (s *Memory) AppendLog(_ context.Context, jobID, level, message string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	s.logs = append(s.logs, models.JobLogEntry{
		ID:        s.nextLogID,
		JobID:     jobID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Memory) ListLogs(_ context.Context, p ListLogsParams) ([]models.JobLogEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []models.JobLogEntry
	for _, e := range s.logs {
		if e.JobID != p.JobID {
			continue
		}
		if p.Level != "" && e.Level != p.Level {
			continue
		}
		matched = append(matched, e)
	}
	total := int64(len(matched))
	start := p.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}
	return matched[start:end], total, nil
}

// AgeJob rewinds a job's timestamps by d. Test helper; not part of Store.
func (s *Memory) AgeJob(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.CreatedAt = j.CreatedAt.Add(-d)
	j.UpdatedAt = j.UpdatedAt.Add(-d)
	j.ScheduledFor = j.ScheduledFor.Add(-d)
	j.ExpiresAt = j.ExpiresAt.Add(-d)
	if j.StartedAt != nil {
		t := j.StartedAt.Add(-d)
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := j.CompletedAt.Add(-d)
		j.CompletedAt = &t
	}
}

// canonicalParams normalizes a params document to its JSON encoding, which
// sorts object keys, so equality is exact structural equality.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(b)
}

func cloneJob(j *models.Job) models.Job {
	out := *j
	out.Params = cloneDoc(j.Params)
	out.ErrorDetail = cloneDoc(j.ErrorDetail)
	out.Result = cloneDoc(j.Result)
	return out
}

func cloneDoc(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
