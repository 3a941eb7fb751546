package handlers

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

	"background-job-queue/internal/jobqueue"
)

// WebhookType is the job type served by WebhookHandler.
const WebhookType = "notify:webhook"

// WebhookPayload is the JSON payload of a notify:webhook job.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// WebhookResult is stored as the job result.
type WebhookResult struct {
	Status int    `json:"status"`
	Body   string `json:"body,omitempty"`
}

// WebhookHandler POSTs the payload body to a URL. Any non-2xx response fails
// the attempt so the queue retries it with backoff.
type WebhookHandler struct {
	client *http.Client
}

func NewWebhookHandler(timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{client: &http.Client{Timeout: timeout}}
}

// Handle implements jobqueue.Handler. Receivers get the job id in
// Idempotency-Key so a redelivered call can be recognised.
func (h *WebhookHandler) Handle(ctx context.Context, task *jobqueue.Task) (any, error) {
	var p WebhookPayload
	if err := task.Decode(&p); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("url must be an absolute http(s) URL")
	}
	body := []byte(p.Body)
	if len(body) == 0 {
		body = []byte("null")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", task.ID)
	req.Header.Set("X-Job-Attempt", fmt.Sprint(task.Attempt))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return WebhookResult{Status: resp.StatusCode, Body: string(snippet)}, nil
}
