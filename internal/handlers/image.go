// Package handlers contains the job handlers shipped with the worker binary.
package handlers

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

	"background-job-queue/internal/config"
	"background-job-queue/internal/jobqueue"
)

// ImageResizeType is the job type served by ImageHandler.
const ImageResizeType = "image:resize"

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler downloads an image, optionally converts it to grayscale,
// resizes it and stores the result locally or in S3.
type ImageHandler struct {
	httpClient   *http.Client
	maxBytes     int64
	defaultWidth int
	local        uploader
	s3           uploader
}

// ImagePayload is the JSON payload of an image:resize job.
type ImagePayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// ImageResult is stored as the job result.
type ImageResult struct {
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Bytes    int    `json:"bytes"`
}

// NewImageHandler builds the handler; an S3 uploader is configured only when
// IMAGE_S3_BUCKET is set.
func NewImageHandler(ctx context.Context, cfg config.Config) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadWait
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	maxBytes := cfg.ImageMaxBytes
	if maxBytes == 0 {
		maxBytes = 25 * 1024 * 1024
	}
	width := cfg.ImageDefaultWidth
	if width == 0 {
		width = 320
	}

	h := &ImageHandler{
		httpClient:   &http.Client{Timeout: timeout},
		maxBytes:     maxBytes,
		defaultWidth: width,
		local:        &localUploader{baseDir: baseDir},
	}
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = &s3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	}
	return h, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle implements jobqueue.Handler. Re-running it overwrites the same
// output key, so retries are safe.
func (h *ImageHandler) Handle(ctx context.Context, task *jobqueue.Task) (any, error) {
	var p ImagePayload
	if err := task.Decode(&p); err != nil {
		return nil, err
	}
	if p.SourceURL == "" {
		return nil, errors.New("source_url is required")
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = h.defaultWidth
	}

	up, err := h.pickUploader(p.Destination)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.download(ctx, p.SourceURL)
	if err != nil {
		return nil, err
	}
	h.progress(ctx, task, 40)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)

	outFormat := chooseFormat(p.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	h.progress(ctx, task, 70)

	key := p.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", task.ID, formatExtension(outFormat))
	}
	key = sanitizeKey(key)

	location, err := up.Upload(ctx, key, buf.Bytes(), mimeForFormat(outFormat))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	h.progress(ctx, task, 90)

	b := img.Bounds()
	return ImageResult{Location: location, Width: b.Dx(), Height: b.Dy(), Bytes: buf.Len()}, nil
}

// progress is best effort; a failed update never fails the job.
func (h *ImageHandler) progress(ctx context.Context, task *jobqueue.Task, pct int) {
	_ = task.UpdateProgress(ctx, pct)
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", h.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ImageHandler) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 == nil {
			return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
		}
		return h.s3, nil
	case "local":
		return h.local, nil
	case "":
		if h.s3 != nil {
			return h.s3, nil
		}
		return h.local, nil
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decoded, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	case ".gif":
		return imaging.GIF
	}
	if f, err := imaging.FormatFromExtension(decoded); err == nil {
		return f
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

// sanitizeKey keeps keys relative so a payload cannot write outside the output dir.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
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
