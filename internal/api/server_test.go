package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creator-job-engine/internal/engine"
	"creator-job-engine/internal/models"
	"creator-job-engine/internal/notify"
	"creator-job-engine/internal/store"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	e := engine.New(store.NewMemory(), notify.NewBus(), zap.NewNop(), engine.DefaultOptions())
	return New(e, nil, zap.NewNop()), e
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestMissingUserHeaderIsUnauthorized(t *testing.T) {
	s, _ := newTestServer(t)
	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/jobs"},
		{http.MethodGet, "/jobs"},
		{http.MethodGet, "/jobs/some-id"},
		{http.MethodGet, "/jobs/some-id/logs"},
		{http.MethodPost, "/jobs/some-id/cancel"},
	} {
		rec := doRequest(t, s, route.method, route.path, "", nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestEnqueueReturnsAcceptedThenOK(t *testing.T) {
	s, _ := newTestServer(t)
	body := map[string]any{
		"type":   models.TypePlatformSync,
		"params": map[string]any{"account_id": "A1"},
	}

	rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decodeBody[enqueueResponse](t, rec)
	require.True(t, first.IsNew)
	require.Equal(t, models.StatusPending, first.Job.Status)

	// Duplicate inside the dedup window rides the first job, 200 not 202.
	rec = doRequest(t, s, http.MethodPost, "/jobs", "u1", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody[enqueueResponse](t, rec)
	require.False(t, second.IsNew)
	require.Equal(t, first.Job.ID, second.Job.ID)
}

func TestEnqueueRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{"type": "not-a-thing"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{
		"type":     models.TypePlatformSync,
		"priority": 99,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("{not json")))
	req.Header.Set("X-User-ID", "u1")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestQuotaExhaustionIsTooManyRequests(t *testing.T) {
	s, _ := newTestServer(t)
	for i := 0; i < 10; i++ {
		rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{
			"type":   models.TypePlatformSync,
			"params": map[string]any{"account_id": i},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{
		"type":   models.TypePlatformSync,
		"params": map[string]any{"account_id": "one-too-many"},
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetJobEnforcesOwnership(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/jobs", "alice", map[string]any{
		"type":   models.TypePlatformSync,
		"params": map[string]any{"account_id": "A1"},
	})
	jobID := decodeBody[enqueueResponse](t, rec).Job.ID

	rec = doRequest(t, s, http.MethodGet, "/jobs/"+jobID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/jobs/"+jobID, "mallory", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/jobs/does-not-exist", "alice", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	for _, account := range []string{"A1", "A2", "A3"} {
		rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{
			"type":   models.TypePlatformSync,
			"params": map[string]any{"account_id": account},
		})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	claimed, ok, err := e.Claim(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.Complete(ctx, claimed.ID, "w1", nil))

	rec := doRequest(t, s, http.MethodGet, "/jobs?status=pending", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[listJobsResponse](t, rec)
	require.EqualValues(t, 2, pending.Total)

	rec = doRequest(t, s, http.MethodGet, "/jobs?status=completed", "u1", nil)
	completed := decodeBody[listJobsResponse](t, rec)
	require.EqualValues(t, 1, completed.Total)
	require.Equal(t, claimed.ID, completed.Jobs[0].ID)

	rec = doRequest(t, s, http.MethodGet, "/jobs?limit=2", "u1", nil)
	page := decodeBody[listJobsResponse](t, rec)
	require.EqualValues(t, 3, page.Total)
	require.Len(t, page.Jobs, 2)
}

func TestListLogsForOwnJob(t *testing.T) {
	s, e := newTestServer(t)
	ctx := context.Background()

	rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{
		"type":   models.TypePlatformSync,
		"params": map[string]any{"account_id": "A1"},
	})
	jobID := decodeBody[enqueueResponse](t, rec).Job.ID
	require.NoError(t, e.AppendLog(ctx, jobID, models.LogInfo, "queued", nil))
	require.NoError(t, e.AppendLog(ctx, jobID, models.LogError, "hiccup", nil))

	rec = doRequest(t, s, http.MethodGet, "/jobs/"+jobID+"/logs", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decodeBody[listLogsResponse](t, rec)
	require.EqualValues(t, 2, logs.Total)

	rec = doRequest(t, s, http.MethodGet, "/jobs/"+jobID+"/logs?level=error", "u1", nil)
	filtered := decodeBody[listLogsResponse](t, rec)
	require.EqualValues(t, 1, filtered.Total)
	require.Equal(t, "hiccup", filtered.Logs[0].Message)

	rec = doRequest(t, s, http.MethodGet, "/jobs/"+jobID+"/logs", "mallory", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCancelTransitionsAndConflicts(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/jobs", "u1", map[string]any{
		"type":   models.TypePlatformSync,
		"params": map[string]any{"account_id": "A1"},
	})
	jobID := decodeBody[enqueueResponse](t, rec).Job.ID

	rec = doRequest(t, s, http.MethodPost, "/jobs/"+jobID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeBody[models.Job](t, rec)
	require.Equal(t, models.StatusCancelled, job.Status)

	rec = doRequest(t, s, http.MethodPost, "/jobs/"+jobID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
