package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/models"
	"background-job-queue/internal/queue"
	"background-job-queue/internal/ratelimit"
	"background-job-queue/internal/store"
	"background-job-queue/internal/telemetry"
)

func newTestServer(t *testing.T, limiter ratelimit.Limiter) (*httptest.Server, *jobqueue.Queue) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.RunMigrations(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := jobqueue.New(st, queue.NewMemoryIndex(), jobqueue.WithLogger(logger))
	t.Cleanup(func() { _ = q.Stop(context.Background(), jobqueue.StopOptions{Force: true}) })

	srv := httptest.NewServer(New(q, limiter, telemetry.NewMetrics(), logger).Router())
	t.Cleanup(srv.Close)
	return srv, q
}

func do(t *testing.T, method, url, body string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestCreateAndGetJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs", `{"type":"send-email","payload":{"to":"a@b.com"},"priority":1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var created models.Job
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, models.StatusPending, created.Status)
	assert.Equal(t, 1, created.Priority)

	resp, body = do(t, http.MethodGet, srv.URL+"/jobs/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Job
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.ID, got.ID)
	assert.JSONEq(t, `{"to":"a@b.com"}`, string(got.Payload))
}

func TestCreateDelayedJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodPost, srv.URL+"/jobs", `{"type":"later","delay_ms":60000}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created models.Job
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, models.StatusDelayed, created.Status)
	assert.EqualValues(t, 60000, created.DelayMS)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := do(t, http.MethodPost, srv.URL+"/jobs", `{"type":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", `{"type":"x","delay_ms":-5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUnknownJob(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"job not found"}`, string(body))
}

func TestCancelAndStats(t *testing.T) {
	srv, q := newTestServer(t, nil)
	job, err := q.CreateJob(context.Background(), "send-email", nil, jobqueue.JobOptions{})
	require.NoError(t, err)

	resp, body := do(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled models.Job
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	resp, body = do(t, http.MethodGet, srv.URL+"/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats jobqueue.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.EqualValues(t, 1, stats.Cancelled)
	assert.Zero(t, stats.Pending)
}

func TestProgressOnPendingJobConflicts(t *testing.T) {
	srv, q := newTestServer(t, nil)
	job, err := q.CreateJob(context.Background(), "x", nil, jobqueue.JobOptions{})
	require.NoError(t, err)

	resp, _ := do(t, http.MethodPost, srv.URL+"/jobs/"+job.ID+"/progress", `{"progress":50}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListJobs(t *testing.T) {
	srv, q := newTestServer(t, nil)
	ctx := context.Background()
	for _, typ := range []string{"a", "b", "a"} {
		_, err := q.CreateJob(ctx, typ, nil, jobqueue.JobOptions{})
		require.NoError(t, err)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/jobs?status=pending&type=a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Jobs, 2)

	resp, body = do(t, http.MethodGet, srv.URL+"/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"jobs":[]}`, string(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs?status=weird", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/jobs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitPerClient(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.NewLocal(1, 0.001, time.Minute))

	resp, _ := do(t, http.MethodPost, srv.URL+"/jobs", `{"type":"x"}`, "X-Client-ID", "acme")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", `{"type":"x"}`, "X-Client-ID", "acme")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = do(t, http.MethodPost, srv.URL+"/jobs", `{"type":"x"}`, "X-Client-ID", "globex")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "jobqueue_rate_limit_rejects_total 1")
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}
