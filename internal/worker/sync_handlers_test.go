package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"creator-job-engine/internal/models"
)

// captureReporter records progress and log calls for assertions.
type captureReporter struct {
	mu       sync.Mutex
	percents []int
	logs     []string
}

func (r *captureReporter) Progress(_ context.Context, percent int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.percents = append(r.percents, percent)
	return nil
}

func (r *captureReporter) Log(_ context.Context, _ string, message string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, message)
}

func syncJob(jobType string, params map[string]any) models.Job {
	return models.Job{ID: "j1", UserID: "u1", Type: jobType, Params: params}
}

func TestPlatformSyncPaginates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/youtube/accounts/A1/videos", r.URL.Path)
		page := r.URL.Query().Get("page")
		switch page {
		case "1":
			fmt.Fprint(w, `{"items":[{},{},{}],"next_page":2}`)
		case "2":
			fmt.Fprint(w, `{"items":[{}],"next_page":0}`)
		default:
			t.Errorf("unexpected page %q", page)
		}
	}))
	defer srv.Close()

	h := &SyncHandlers{platformBase: srv.URL, client: srv.Client()}
	rep := &captureReporter{}

	result, err := h.PlatformSync(context.Background(), syncJob(models.TypePlatformSync, map[string]any{"account_id": "A1"}), rep)
	require.NoError(t, err)
	require.Equal(t, 4, result["videosSynced"])
	require.Equal(t, 2, result["pages"])
	require.Equal(t, []int{10, 20}, rep.percents)
}

func TestPlatformSyncRequiresAccountID(t *testing.T) {
	h := &SyncHandlers{client: http.DefaultClient}
	_, err := h.PlatformSync(context.Background(), syncJob(models.TypePlatformSync, map[string]any{}), &captureReporter{})
	require.EqualError(t, err, "account_id is required")
}

func TestPlatformSyncRetriesTransientFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"items":[{}],"next_page":0}`)
	}))
	defer srv.Close()

	h := &SyncHandlers{platformBase: srv.URL, client: srv.Client()}
	result, err := h.PlatformSync(context.Background(), syncJob(models.TypePlatformSync, map[string]any{"account_id": "A1"}), &captureReporter{})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, 1, result["videosSynced"])
}

func TestGenerateTagsBatches(t *testing.T) {
	var batches [][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/tags:generate", r.URL.Path)
		var req struct {
			VideoIDs []string `json:"video_ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batches = append(batches, req.VideoIDs)

		tags := map[string][]string{}
		for _, id := range req.VideoIDs {
			tags[id] = []string{"tag-a", "tag-b"}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tags": tags})
	}))
	defer srv.Close()

	ids := make([]any, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("v%d", i)
	}

	h := &SyncHandlers{taggingBase: srv.URL, client: srv.Client()}
	result, err := h.GenerateTags(context.Background(), syncJob(models.TypeAITagGeneration, map[string]any{"video_ids": ids}), &captureReporter{})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 10)
	require.Len(t, batches[1], 2)
	require.Equal(t, 12, result["videosTagged"])
	require.Equal(t, 24, result["tagsGenerated"])
}

func TestSubmitSEOCountsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.URL == "https://bad.example" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := &SyncHandlers{seoBase: srv.URL, client: srv.Client()}
	rep := &captureReporter{}
	result, err := h.SubmitSEO(context.Background(), syncJob(models.TypeSEOSubmission, map[string]any{
		"urls": []any{"https://ok.example/a", "https://bad.example", "https://ok.example/b"},
	}), rep)
	require.NoError(t, err)
	require.Equal(t, 2, result["submitted"])
	require.Equal(t, 1, result["failed"])
	require.Contains(t, rep.logs, "submission failed")
}

func TestAutoSyncSkipsFailingAccounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/youtube/accounts/broken/videos" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"items":[{},{}],"next_page":0}`)
	}))
	defer srv.Close()

	h := &SyncHandlers{platformBase: srv.URL, client: srv.Client()}
	rep := &captureReporter{}
	result, err := h.AutoSync(context.Background(), syncJob(models.TypeAutoSync, map[string]any{
		"account_ids": []any{"good-1", "broken", "good-2"},
	}), rep)
	require.NoError(t, err)
	require.Equal(t, 3, result["accounts"])
	require.Equal(t, 4, result["videosSynced"])
	require.Contains(t, rep.logs, "account sync failed")
}

func TestSyncHandlersRespectTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"items":[],"next_page":0}`)
	}))
	defer srv.Close()

	h := &SyncHandlers{platformBase: srv.URL, client: &http.Client{Timeout: 20 * time.Millisecond}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.PlatformSync(ctx, syncJob(models.TypePlatformSync, map[string]any{"account_id": "A1"}), &captureReporter{})
	require.Error(t, err)
}
