package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"creator-job-engine/internal/config"
	"creator-job-engine/internal/models"
)

type thumbUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ThumbnailHandler regenerates a creator media thumbnail: download the source
// asset, resize (optionally grayscale), and upload to local disk or S3.
type ThumbnailHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      thumbUploader
	s3         thumbUploader
}

type thumbnailParams struct {
	MediaURL    string `json:"media_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewThumbnailHandler constructs the handler and chooses an uploader (local or S3).
func NewThumbnailHandler(ctx context.Context, cfg config.Config) (*ThumbnailHandler, error) {
	timeout := cfg.ThumbDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ThumbOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload thumbUploader
	if cfg.ThumbS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ThumbS3Bucket}
	}

	return &ThumbnailHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ThumbS3Region),
	}
	if cfg.ThumbS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ThumbS3Endpoint,
					HostnameImmutable: cfg.ThumbS3PathStyle,
					SigningRegion:     cfg.ThumbS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ThumbS3PathStyle
	}), nil
}

// Handle downloads, transforms, and uploads one thumbnail.
func (h *ThumbnailHandler) Handle(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error) {
	var params thumbnailParams
	if err := decodeParams(job, &params); err != nil {
		return nil, err
	}
	if params.MediaURL == "" {
		return nil, errors.New("media_url is required")
	}
	width := params.Width
	if width <= 0 {
		width = h.cfg.ThumbDefaultWidth
	}
	if width <= 0 {
		width = 320
	}

	if err := rep.Progress(ctx, 10, "downloading source asset"); err != nil {
		return nil, err
	}
	data, contentType, err := h.download(ctx, params.MediaURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := rep.Progress(ctx, 50, "resizing"); err != nil {
		return nil, err
	}

	if params.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, width, 0, imaging.Lanczos)

	outputFormat := chooseFormat(params.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	outputKey := params.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("thumbs/%s.%s", job.ID, formatExtension(outputFormat))
	}
	outputKey = sanitizeKey(outputKey)

	uploader, err := h.pickUploader(params.Destination)
	if err != nil {
		return nil, err
	}
	if err := rep.Progress(ctx, 80, "uploading thumbnail"); err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	rep.Log(ctx, models.LogInfo, "thumbnail written",
		map[string]any{"location": location, "bytes": buf.Len()})
	return map[string]any{
		"location": location,
		"width":    width,
		"bytes":    buf.Len(),
	}, nil
}

func (h *ThumbnailHandler) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download asset: status %d", resp.StatusCode)
	}

	limit := h.cfg.ThumbMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read asset: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("asset too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ThumbnailHandler) pickUploader(destination string) (thumbUploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but THUMB_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	return nil, errors.New("no uploader configured")
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	if decodeFormat == "png" || strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
