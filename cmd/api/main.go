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

	"background-job-queue/internal/api"
	"background-job-queue/internal/bootstrap"
	"background-job-queue/internal/config"
	"background-job-queue/internal/jobqueue"
	"background-job-queue/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", slog.String("error", err.Error()))
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	// The API only produces and inspects jobs; workers run the loops.
	q := bootstrap.NewQueue(cfg, st, idx, logger)
	defer func() {
		if err := q.Stop(context.Background(), jobqueue.StopOptions{}); err != nil {
			logger.Error("close queue", slog.String("error", err.Error()))
		}
	}()

	metrics := telemetry.NewMetrics()
	q.Subscribe(metrics)
	audit := telemetry.NewAudit(st, 1024, logger)
	q.Subscribe(audit)
	go func() { _ = audit.Run(ctx) }()

	server := api.New(q, bootstrap.NewLimiter(cfg, redisClient), metrics, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
