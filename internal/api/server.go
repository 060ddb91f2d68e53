package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"creator-job-engine/internal/engine"
	"creator-job-engine/internal/models"
	"creator-job-engine/internal/ratelimit"
	"creator-job-engine/internal/telemetry"
)

// Server wires HTTP handlers for the enqueue/query/cancel surface.
type Server struct {
	engine  *engine.Engine
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

// New constructs the API server. limiter may be nil (no rate limiting).
func New(e *engine.Engine, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: e, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/logs", s.handleListLogs)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Params       map[string]any `json:"params"`
	Priority     int            `json:"priority"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxRetries   int            `json:"max_retries"`
}

type enqueueResponse struct {
	Job       models.Job `json:"job"`
	IsNew     bool       `json:"is_new"`
	FromCache bool       `json:"from_cache"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUser(r.Context(), userID)
		if err != nil {
			s.log.Warn("rate limiter", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	scheduledFor := req.ScheduledFor
	if req.DelaySeconds > 0 {
		t := time.Now().Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduledFor = &t
	}

	result, err := s.engine.EnqueueOrReuse(r.Context(), engine.EnqueueRequest{
		UserID:       userID,
		Type:         req.Type,
		Params:       req.Params,
		Priority:     req.Priority,
		ScheduledFor: scheduledFor,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	status := http.StatusAccepted
	if !result.IsNew {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResponse{Job: result.Job, IsNew: result.IsNew, FromCache: result.FromCache})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type listJobsResponse struct {
	Jobs  []models.Job `json:"jobs"`
	Total int64        `json:"total"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	jobs, total, err := s.engine.ListJobs(r.Context(), engine.ListJobsRequest{
		UserID:   userID,
		Status:   q.Get("status"),
		Type:     q.Get("type"),
		Limit:    intParam(q.Get("limit"), 20),
		Offset:   intParam(q.Get("offset"), 0),
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("sort_dir") != "asc",
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs, Total: total})
}

type listLogsResponse struct {
	Logs  []models.JobLogEntry `json:"logs"`
	Total int64                `json:"total"`
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	logs, total, err := s.engine.ListLogs(r.Context(), chi.URLParam(r, "id"), userID,
		q.Get("level"), intParam(q.Get("limit"), 50), intParam(q.Get("offset"), 0))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if logs == nil {
		logs = []models.JobLogEntry{}
	}
	writeJSON(w, http.StatusOK, listLogsResponse{Logs: logs, Total: total})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	job, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) userFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, engine.ErrInvalidJobType),
		errors.Is(err, engine.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrCapacityExceeded):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, engine.ErrAccessDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
