package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"golang.org/x/sync/errgroup"

	"background-job-queue/internal/bootstrap"
	"background-job-queue/internal/config"
	"background-job-queue/internal/handlers"
	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSplitDeployment(); err != nil {
		return err
	}
	logger := bootstrap.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	idx, redisClient, err := bootstrap.OpenIndex(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	q := bootstrap.NewQueue(cfg, st, idx, logger)

	imageHandler, err := handlers.NewImageHandler(ctx, cfg)
	if err != nil {
		_ = q.Stop(context.Background(), jobqueue.StopOptions{Force: true})
		return err
	}
	q.Register(handlers.ImageResizeType, imageHandler.Handle)
	q.Register(handlers.WebhookType, handlers.NewWebhookHandler(cfg.WebhookTimeout).Handle)

	metrics := telemetry.NewMetrics()
	q.Subscribe(metrics)
	audit := telemetry.NewAudit(st, 4096, logger)
	q.Subscribe(audit)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := q.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		logger.Info("shutting down worker", slog.Duration("timeout", cfg.ShutdownTimeout))
		return q.Stop(context.Background(), jobqueue.StopOptions{Timeout: cfg.ShutdownTimeout})
	})
	g.Go(func() error {
		return audit.Run(gctx)
	})
	g.Go(func() error {
		metrics.Sample(gctx, idx, q.Active, 5*time.Second, logger)
		return nil
	})
	g.Go(func() error {
		logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	logger.Info("worker started",
		slog.String("worker_id", q.WorkerID()),
		slog.Any("handlers", q.Handlers()),
		slog.Int("concurrency", cfg.Concurrency),
	)
	return g.Wait()
}
