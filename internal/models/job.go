package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Job types form a closed set; enqueue rejects anything else.
const (
	TypePlatformSync     = "platform-sync"
	TypeAITagGeneration  = "ai-tag-generation"
	TypeAutoSync         = "auto-sync"
	TypeSEOSubmission    = "seo-submission"
	TypeThumbnailRefresh = "thumbnail-refresh"
)

// KnownTypes lists every job type the engine accepts.
var KnownTypes = []string{
	TypePlatformSync,
	TypeAITagGeneration,
	TypeAutoSync,
	TypeSEOSubmission,
	TypeThumbnailRefresh,
}

// IsKnownType reports whether t belongs to the closed job-type set.
func IsKnownType(t string) bool {
	for _, k := range KnownTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Error codes stamped by the reaper sweeps. Jobs failed with these codes are
// terminal and never retried automatically.
const (
	CodeJobExpired = "JOB_EXPIRED"
	CodeJobTimeout = "JOB_TIMEOUT"
)

// Priority bounds; higher is more urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Job represents a unit of deferred work persisted in Postgres.
type Job struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Type            string         `json:"type"`
	Priority        int            `json:"priority"`
	Params          map[string]any `json:"params"`
	Status          string         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	WorkerID        *string        `json:"worker_id,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	ErrorCode       *string        `json:"error_code,omitempty"`
	ErrorDetail     map[string]any `json:"error_detail,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	Result          map[string]any `json:"result,omitempty"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	ExpiresAt       time.Time      `json:"expires_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Terminal reports whether the job reached a state with no further
// worker-driven transitions (a failed job may still be retried by the sweep).
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Log levels for JobLogEntry.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// JobLogEntry is an append-only diagnostic record attached to a job.
// Entries are never mutated; retention cleanup removes them with their job.
type JobLogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// JobEvent is broadcast on every insert or status/progress/result change,
// scoped to the owning user's channel.
type JobEvent struct {
	JobID           string         `json:"job_id"`
	UserID          string         `json:"user_id"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ErrorCode       *string        `json:"error_code,omitempty"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// EventFromJob builds the broadcast payload for a job's current state.
func EventFromJob(j Job, at time.Time) JobEvent {
	return JobEvent{
		JobID:           j.ID,
		UserID:          j.UserID,
		Type:            j.Type,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		ProgressMessage: j.ProgressMessage,
		ErrorCode:       j.ErrorCode,
		ErrorMessage:    j.ErrorMessage,
		Result:          j.Result,
		Timestamp:       at,
	}
}
