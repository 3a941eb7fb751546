package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-job-queue/internal/config"
	"background-job-queue/internal/jobqueue"
)

func task(t *testing.T, id string, payload any) *jobqueue.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &jobqueue.Task{ID: id, Type: "test", Payload: raw, Attempt: 1}
}

func redSquarePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestImageHandlerResizesAndWritesLocally(t *testing.T) {
	src := redSquarePNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	dir := t.TempDir()
	h, err := NewImageHandler(context.Background(), config.Config{
		ImageOutputDir:    dir,
		ImageDownloadWait: 2 * time.Second,
		ImageMaxBytes:     1 << 20,
		ImageDefaultWidth: 5,
	})
	require.NoError(t, err)

	out, err := h.Handle(context.Background(), task(t, "job-1", ImagePayload{
		SourceURL: srv.URL,
		Grayscale: true,
		OutputKey: "thumbs/test.png",
	}))
	require.NoError(t, err)

	res, ok := out.(ImageResult)
	require.True(t, ok)
	assert.Equal(t, 5, res.Width)
	assert.Equal(t, filepath.Join(dir, "thumbs", "test.png"), res.Location)

	data, err := os.ReadFile(res.Location)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 5, img.Bounds().Dx())

	r, g, b, _ := img.At(2, 2).RGBA()
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}

func TestImageHandlerKeepsKeysInsideOutputDir(t *testing.T) {
	src := redSquarePNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(src)
	}))
	defer srv.Close()

	dir := t.TempDir()
	h, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: dir})
	require.NoError(t, err)

	out, err := h.Handle(context.Background(), task(t, "job-2", ImagePayload{
		SourceURL: srv.URL,
		Width:     4,
		OutputKey: "../../escape.png",
	}))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "escape.png"), out.(ImageResult).Location)
}

func TestImageHandlerRejectsBadInput(t *testing.T) {
	h, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir(), ImageMaxBytes: 8})
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), task(t, "j", ImagePayload{}))
	assert.ErrorContains(t, err, "source_url is required")

	_, err = h.Handle(context.Background(), task(t, "j", ImagePayload{SourceURL: "http://x", Destination: "s3"}))
	assert.ErrorContains(t, err, "IMAGE_S3_BUCKET")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()
	_, err = h.Handle(context.Background(), task(t, "j", ImagePayload{SourceURL: srv.URL}))
	assert.ErrorContains(t, err, "too large")
}

func TestWebhookHandlerPostsBody(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))
	defer srv.Close()

	h := NewWebhookHandler(time.Second)
	out, err := h.Handle(context.Background(), task(t, "job-9", map[string]any{
		"url":     srv.URL,
		"headers": map[string]string{"X-Tenant": "acme"},
		"body":    map[string]any{"event": "signup"},
	}))
	require.NoError(t, err)
	assert.Equal(t, WebhookResult{Status: http.StatusAccepted, Body: "queued"}, out)
	assert.JSONEq(t, `{"event":"signup"}`, string(gotBody))
	assert.Equal(t, "acme", gotHeaders.Get("X-Tenant"))
	assert.Equal(t, "job-9", gotHeaders.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
}

func TestWebhookHandlerFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewWebhookHandler(time.Second)
	_, err := h.Handle(context.Background(), task(t, "j", map[string]any{"url": srv.URL}))
	assert.ErrorContains(t, err, "status 502")

	_, err = h.Handle(context.Background(), task(t, "j", map[string]any{"url": "ftp://nope"}))
	assert.ErrorContains(t, err, "absolute http(s) URL")
}
