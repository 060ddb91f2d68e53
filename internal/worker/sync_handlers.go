package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"creator-job-engine/internal/config"
	"creator-job-engine/internal/models"
)

// SyncHandlers hold the HTTP clients for the platform, tagging, and SEO
// upstreams. The engine treats all of these as opaque collaborators; the
// handlers own idempotency (a retried job re-runs from scratch).
type SyncHandlers struct {
	platformBase string
	taggingBase  string
	seoBase      string
	client       *http.Client
}

// NewSyncHandlers builds the handler set from config.
func NewSyncHandlers(cfg config.Config) *SyncHandlers {
	timeout := cfg.HandlerTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &SyncHandlers{
		platformBase: cfg.PlatformAPIBase,
		taggingBase:  cfg.TaggingAPIBase,
		seoBase:      cfg.SEOAPIBase,
		client:       &http.Client{Timeout: timeout},
	}
}

// Register binds every sync handler to its job type.
func (h *SyncHandlers) Register(p *Processor) {
	p.RegisterHandler(models.TypePlatformSync, h.PlatformSync)
	p.RegisterHandler(models.TypeAITagGeneration, h.GenerateTags)
	p.RegisterHandler(models.TypeAutoSync, h.AutoSync)
	p.RegisterHandler(models.TypeSEOSubmission, h.SubmitSEO)
}

type platformSyncParams struct {
	AccountID string `json:"account_id"`
	Platform  string `json:"platform"`
}

type platformPage struct {
	Items    []json.RawMessage `json:"items"`
	NextPage int               `json:"next_page"`
}

// PlatformSync pulls a connected account's content metadata page by page.
func (h *SyncHandlers) PlatformSync(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error) {
	var params platformSyncParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	if params.AccountID == "" {
		return nil, errors.New("account_id is required")
	}
	if params.Platform == "" {
		params.Platform = "youtube"
	}
	return h.syncAccount(ctx, params, rep)
}

func (h *SyncHandlers) syncAccount(ctx context.Context, params platformSyncParams, rep Reporter) (map[string]any, error) {
	synced := 0
	pages := 0
	page := 1
	for page > 0 {
		endpoint := fmt.Sprintf("%s/v1/%s/accounts/%s/videos?page=%d",
			h.platformBase, url.PathEscape(params.Platform), url.PathEscape(params.AccountID), page)
		var resp platformPage
		if err := h.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", params.Platform, page, err)
		}
		synced += len(resp.Items)
		pages++
		percent := 10 * pages
		if percent > 90 {
			percent = 90
		}
		if err := rep.Progress(ctx, percent, fmt.Sprintf("synced %d videos", synced)); err != nil {
			// Job cancelled or reaped; stop without settling.
			return nil, err
		}
		page = resp.NextPage
	}
	rep.Log(ctx, models.LogInfo, "platform sync finished",
		map[string]any{"account_id": params.AccountID, "videos": synced, "pages": pages})
	return map[string]any{"videosSynced": synced, "pages": pages}, nil
}

type tagParams struct {
	VideoIDs []string `json:"video_ids"`
}

type tagResponse struct {
	Tags map[string][]string `json:"tags"`
}

// GenerateTags asks the AI provider for tags over the given videos.
func (h *SyncHandlers) GenerateTags(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error) {
	var params tagParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	if len(params.VideoIDs) == 0 {
		return nil, errors.New("video_ids is required")
	}

	const batchSize = 10
	tagged := 0
	total := 0
	for start := 0; start < len(params.VideoIDs); start += batchSize {
		end := start + batchSize
		if end > len(params.VideoIDs) {
			end = len(params.VideoIDs)
		}
		var resp tagResponse
		body := map[string]any{"video_ids": params.VideoIDs[start:end]}
		if err := h.postJSON(ctx, h.taggingBase+"/v1/tags:generate", body, &resp); err != nil {
			return nil, fmt.Errorf("generate tags: %w", err)
		}
		tagged += len(resp.Tags)
		for _, tags := range resp.Tags {
			total += len(tags)
		}
		percent := end * 100 / len(params.VideoIDs)
		if percent > 95 {
			percent = 95
		}
		if err := rep.Progress(ctx, percent, fmt.Sprintf("tagged %d of %d videos", end, len(params.VideoIDs))); err != nil {
			return nil, err
		}
	}
	return map[string]any{"videosTagged": tagged, "tagsGenerated": total}, nil
}

type autoSyncParams struct {
	AccountIDs []string `json:"account_ids"`
	Platform   string   `json:"platform"`
}

// AutoSync runs a platform sync for each of the user's connected accounts.
func (h *SyncHandlers) AutoSync(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error) {
	var params autoSyncParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	if len(params.AccountIDs) == 0 {
		return nil, errors.New("account_ids is required")
	}
	if params.Platform == "" {
		params.Platform = "youtube"
	}

	totalVideos := 0
	for i, account := range params.AccountIDs {
		res, err := h.syncAccount(ctx, platformSyncParams{AccountID: account, Platform: params.Platform}, nopReporter{})
		if err != nil {
			rep.Log(ctx, models.LogWarning, "account sync failed",
				map[string]any{"account_id": account, "error": err.Error()})
			continue
		}
		if n, ok := res["videosSynced"].(int); ok {
			totalVideos += n
		}
		percent := (i + 1) * 100 / len(params.AccountIDs)
		if percent > 95 {
			percent = 95
		}
		if err := rep.Progress(ctx, percent, fmt.Sprintf("synced account %d of %d", i+1, len(params.AccountIDs))); err != nil {
			return nil, err
		}
	}
	return map[string]any{"accounts": len(params.AccountIDs), "videosSynced": totalVideos}, nil
}

type seoParams struct {
	URLs []string `json:"urls"`
}

// SubmitSEO pings the submission endpoint for each discovery URL.
func (h *SyncHandlers) SubmitSEO(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error) {
	var params seoParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	if len(params.URLs) == 0 {
		return nil, errors.New("urls is required")
	}

	submitted := 0
	failed := 0
	for i, target := range params.URLs {
		err := h.postJSON(ctx, h.seoBase+"/v1/submit", map[string]any{"url": target}, nil)
		if err != nil {
			failed++
			rep.Log(ctx, models.LogWarning, "submission failed",
				map[string]any{"url": target, "error": err.Error()})
		} else {
			submitted++
		}
		percent := (i + 1) * 100 / len(params.URLs)
		if percent > 95 {
			percent = 95
		}
		if err := rep.Progress(ctx, percent, fmt.Sprintf("submitted %d of %d urls", submitted, len(params.URLs))); err != nil {
			return nil, err
		}
	}
	if submitted == 0 {
		return nil, fmt.Errorf("all %d submissions failed", failed)
	}
	return map[string]any{"submitted": submitted, "failed": failed}, nil
}

// getJSON fetches with one retry on transient failures.
func (h *SyncHandlers) getJSON(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		lastErr = h.doJSON(req, out)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		time.Sleep(backoffWithJitter(200*time.Millisecond, 2*time.Second, attempt))
	}
	return lastErr
}

func (h *SyncHandlers) postJSON(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return h.doJSON(req, out)
}

func (h *SyncHandlers) doJSON(req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeParams maps a job's params document onto a typed struct.
func decodeParams(job models.Job, out any) error {
	raw, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// nopReporter swallows nested progress; outer handlers report their own.
type nopReporter struct{}

func (nopReporter) Progress(context.Context, int, string) error         { return nil }
func (nopReporter) Log(context.Context, string, string, map[string]any) {}
