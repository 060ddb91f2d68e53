package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"creator-job-engine/internal/config"
	"creator-job-engine/internal/models"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	src := imaging.New(width, height, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	buf := &bytes.Buffer{}
	require.NoError(t, imaging.Encode(buf, src, imaging.PNG))
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
}

func newThumbHandler(t *testing.T, srv *httptest.Server, cfg config.Config) *ThumbnailHandler {
	t.Helper()
	return &ThumbnailHandler{
		cfg:        cfg,
		httpClient: srv.Client(),
		local:      &localUploader{baseDir: t.TempDir()},
	}
}

func TestThumbnailHandleResizesAndWritesLocal(t *testing.T) {
	srv := servePNG(t, 640, 480)
	defer srv.Close()

	h := newThumbHandler(t, srv, config.Config{})
	rep := &captureReporter{}
	job := syncJob(models.TypeThumbnailRefresh, map[string]any{
		"media_url":  srv.URL + "/asset.png",
		"output_key": "thumbs/video-1.png",
		"width":      64,
		"grayscale":  true,
	})

	result, err := h.Handle(context.Background(), job, rep)
	require.NoError(t, err)
	require.Equal(t, 64, result["width"])
	require.Equal(t, []int{10, 50, 80}, rep.percents)

	location, ok := result["location"].(string)
	require.True(t, ok)
	require.Equal(t, "video-1.png", filepath.Base(location))

	data, err := os.ReadFile(location)
	require.NoError(t, err)
	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, 64, img.Bounds().Dx())
	require.Equal(t, 48, img.Bounds().Dy())
}

func TestThumbnailHandleDefaultsWidthAndKey(t *testing.T) {
	srv := servePNG(t, 100, 100)
	defer srv.Close()

	h := newThumbHandler(t, srv, config.Config{ThumbDefaultWidth: 48})
	job := syncJob(models.TypeThumbnailRefresh, map[string]any{"media_url": srv.URL + "/asset.png"})
	job.ID = "job-abc"

	result, err := h.Handle(context.Background(), job, &captureReporter{})
	require.NoError(t, err)
	require.Equal(t, 48, result["width"])
	require.Equal(t, "job-abc.png", filepath.Base(result["location"].(string)))
}

func TestThumbnailHandleRejectsOversizedAsset(t *testing.T) {
	srv := servePNG(t, 640, 480)
	defer srv.Close()

	h := newThumbHandler(t, srv, config.Config{ThumbMaxBytes: 16})
	job := syncJob(models.TypeThumbnailRefresh, map[string]any{"media_url": srv.URL + "/asset.png"})
	_, err := h.Handle(context.Background(), job, &captureReporter{})
	require.ErrorContains(t, err, "asset too large")
}

func TestThumbnailHandleRequiresMediaURL(t *testing.T) {
	h := &ThumbnailHandler{cfg: config.Config{}, httpClient: http.DefaultClient, local: &localUploader{baseDir: t.TempDir()}}
	_, err := h.Handle(context.Background(), syncJob(models.TypeThumbnailRefresh, map[string]any{}), &captureReporter{})
	require.EqualError(t, err, "media_url is required")
}

func TestThumbnailS3DestinationWithoutBucketFails(t *testing.T) {
	srv := servePNG(t, 32, 32)
	defer srv.Close()

	h := newThumbHandler(t, srv, config.Config{})
	job := syncJob(models.TypeThumbnailRefresh, map[string]any{
		"media_url":   srv.URL + "/asset.png",
		"destination": "s3",
	})
	_, err := h.Handle(context.Background(), job, &captureReporter{})
	require.ErrorContains(t, err, "THUMB_S3_BUCKET")
}

func TestSanitizeKeyStripsTraversal(t *testing.T) {
	require.Equal(t, "thumbs/a.png", sanitizeKey("./thumbs/a.png"))
	require.Equal(t, "etc/passwd", sanitizeKey("/../etc/passwd"))
	require.Equal(t, "a.png", sanitizeKey("thumbs/../a.png"))
}
