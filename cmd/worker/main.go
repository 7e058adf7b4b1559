package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"avatarbatch/internal/bootstrap"
	"avatarbatch/internal/infra"
	"avatarbatch/internal/poller"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to open store")
	}
	defer store.Close()

	reconciler := poller.New(store.Jobs, store.Ledger, bootstrap.NewProvider(ctx, cfg, store, &logger), poller.Options{
		Threshold: cfg.CompletionThreshold,
		BatchSize: cfg.PollBatchSize,
		Logger:    &logger,
	})

	logger.Info().
		Dur("interval", cfg.PollInterval).
		Float64("threshold", cfg.CompletionThreshold).
		Msg("worker: poller started")

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		runPass(ctx, reconciler, logger)
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker: stopped")
			return
		case <-ticker.C:
		}
	}
}

func runPass(ctx context.Context, r *poller.Reconciler, logger infra.Logger) {
	stats, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Msg("worker: poll pass failed")
		return
	}
	if stats.Checked == 0 && stats.Finalized == 0 {
		return
	}
	logger.Info().
		Int("checked", stats.Checked).
		Int("running", stats.Running).
		Int("completed", stats.Completed).
		Int("failed", stats.Failed).
		Int("errors", stats.Errors).
		Int("finalized", stats.Finalized).
		Msg("worker: poll pass")
}
