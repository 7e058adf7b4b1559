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
	"avatarbatch/internal/queue"
)

const prefetch = 4

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
		logger.Fatal().Err(err).Msg("consumer: failed to open store")
	}
	defer store.Close()

	broker, err := bootstrap.DialAMQP(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("consumer: failed to connect broker")
	}
	defer func() { _ = broker.Close() }()

	// Continuations go back onto the same broker.
	dispatcher, err := bootstrap.NewDispatcher(cfg, store, bootstrap.NewProvider(ctx, cfg, store, &logger), broker, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("consumer: failed to configure dispatcher")
	}

	logger.Info().Str("queue", cfg.AMQPQueue).Int("prefetch", prefetch).Msg("consumer: started")
	for {
		err := broker.Consume(ctx, prefetch, func(ctx context.Context, d queue.Delivery) queue.Decision {
			return dispatcher.Handle(ctx, d).Decision()
		})
		if ctx.Err() != nil {
			logger.Info().Msg("consumer: stopped")
			return
		}
		logger.Error().Err(err).Msg("consumer: consume loop ended, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
		if !broker.IsConnected() {
			logger.Fatal().Msg("consumer: broker connection lost")
		}
	}
}
