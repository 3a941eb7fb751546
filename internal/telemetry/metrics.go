// Package telemetry turns queue events into Prometheus metrics and audit rows.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/queue"
)

// Metrics holds the queue collectors. Each instance owns its registry so
// tests and multiple queues in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Events           *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
	InFlight         prometheus.Gauge
	ReadyDepth       prometheus.Gauge
	DelayedDepth     prometheus.Gauge
	RateLimitRejects prometheus.Counter
}

// NewMetrics registers the queue collectors plus the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobqueue_events_total",
			Help: "Queue lifecycle events by type and job type.",
		}, []string{"event", "job_type"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobqueue_job_duration_seconds",
			Help:    "Time from first claim to terminal outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job_type", "status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobqueue_inflight",
			Help: "Jobs executing in this instance.",
		}),
		ReadyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobqueue_ready_depth",
			Help: "Ids in the ready index.",
		}),
		DelayedDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobqueue_delayed_depth",
			Help: "Ids in the delayed index.",
		}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobqueue_rate_limit_rejects_total",
			Help: "Job submissions rejected by the rate limiter.",
		}),
	}
	m.registry.MustRegister(
		m.Events,
		m.Duration,
		m.InFlight,
		m.ReadyDepth,
		m.DelayedDepth,
		m.RateLimitRejects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// OnEvent implements jobqueue.Observer.
func (m *Metrics) OnEvent(e jobqueue.Event) {
	jobType := ""
	if e.Job != nil {
		jobType = e.Job.Type
	}
	m.Events.WithLabelValues(string(e.Type), jobType).Inc()

	if e.Job != nil && e.Job.StartedAt != nil && e.Job.Status.Terminal() {
		m.Duration.WithLabelValues(e.Job.Type, string(e.Job.Status)).
			Observe(e.At.Sub(*e.Job.StartedAt).Seconds())
	}
}

// Sample updates the depth and in-flight gauges every interval until ctx ends.
func (m *Metrics) Sample(ctx context.Context, idx queue.Index, active func() int, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.InFlight.Set(float64(active()))
		m.sampleOnce(ctx, idx, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) sampleOnce(ctx context.Context, idx queue.Index, logger *slog.Logger) {
	if n, err := idx.ReadyLen(ctx); err == nil {
		m.ReadyDepth.Set(float64(n))
	} else if ctx.Err() == nil {
		logger.Warn("sample ready depth", slog.String("error", err.Error()))
	}
	if n, err := idx.DelayedLen(ctx); err == nil {
		m.DelayedDepth.Set(float64(n))
	} else if ctx.Err() == nil {
		logger.Warn("sample delayed depth", slog.String("error", err.Error()))
	}
}
