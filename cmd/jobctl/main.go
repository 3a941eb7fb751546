package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"background-job-queue/internal/bootstrap"
	"background-job-queue/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(openFromEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openFromEnv(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := bootstrap.NewLogger(cfg)

	st, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	idx, client, err := bootstrap.OpenIndex(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	s := &session{queue: bootstrap.NewQueue(cfg, st, idx, logger), store: st}
	if client != nil {
		s.release = client.Close
	}
	return s, nil
}
