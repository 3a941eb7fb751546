// Package bootstrap turns a Config into the concrete store, index, limiter
// and queue used by the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"background-job-queue/internal/config"
	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/models"
	"background-job-queue/internal/queue"
	"background-job-queue/internal/ratelimit"
	"background-job-queue/internal/store"
)

// Store is what the binaries need from a backend: job records, audit rows
// and schema migrations.
type Store interface {
	store.Store
	store.Auditor
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
	RunMigrations(ctx context.Context) error
}

var (
	_ Store = (*store.Postgres)(nil)
	_ Store = (*store.SQLite)(nil)
)

func NewLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// OpenStore connects the configured backend and applies migrations.
func OpenStore(ctx context.Context, cfg config.Config) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.StoreBackend {
	case "sqlite":
		st, err = store.NewSQLite(cfg.SQLitePath)
	default:
		st, err = store.NewPostgres(ctx, cfg.PostgresDSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// OpenIndex returns the configured index. For redis it also returns a client
// the caller may share (for the rate limiter) and must close after the index.
func OpenIndex(ctx context.Context, cfg config.Config) (queue.Index, redis.UniversalClient, error) {
	if cfg.IndexBackend == "memory" {
		return queue.NewMemoryIndex(), nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}
	return queue.NewRedisQueueWithClient(client, cfg.QueueName, 0), client, nil
}

// NewLimiter shares buckets through Redis when a client is available.
func NewLimiter(cfg config.Config, client redis.UniversalClient) ratelimit.Limiter {
	if client != nil {
		return ratelimit.NewTokenBucket(client, "jobqueue:"+cfg.QueueName+":rl:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	return ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
}

// NewQueue maps the queue tuning settings onto options.
func NewQueue(cfg config.Config, st store.Store, idx queue.Index, logger *slog.Logger) *jobqueue.Queue {
	opts := []jobqueue.Option{
		jobqueue.WithName(cfg.QueueName),
		jobqueue.WithConcurrency(cfg.Concurrency),
		jobqueue.WithPollInterval(cfg.PollInterval),
		jobqueue.WithStalledTimeout(cfg.StalledTimeout),
		jobqueue.WithStalledInterval(cfg.StalledInterval),
		jobqueue.WithBaseRetryDelay(cfg.BaseRetryDelay),
		jobqueue.WithDefaultTimeout(cfg.JobTimeout),
		jobqueue.WithDefaultMaxAttempts(cfg.MaxAttempts),
		jobqueue.WithLogger(logger),
	}
	if cfg.WorkerID != "" {
		opts = append(opts, jobqueue.WithWorkerID(cfg.WorkerID))
	} else if host, err := os.Hostname(); err == nil && host != "" {
		opts = append(opts, jobqueue.WithWorkerID(fmt.Sprintf("%s-%d", host, os.Getpid())))
	}
	return jobqueue.New(st, idx, opts...)
}
