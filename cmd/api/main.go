package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"avatarbatch/internal/bootstrap"
	"avatarbatch/internal/dispatch"
	"avatarbatch/internal/http/handlers"
	"avatarbatch/internal/http/httpapi"
	"avatarbatch/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	store, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to open store")
	}
	defer store.Close()

	publisher, closePublisher, err := bootstrap.NewPublisher(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.QueueDriver).Msg("api: failed to configure publisher")
	}
	defer func() { _ = closePublisher() }()

	provider := bootstrap.NewProvider(ctx, cfg, store, &logger)
	dispatcher, err := bootstrap.NewDispatcher(cfg, store, provider, publisher, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure dispatcher")
	}
	trigger := dispatch.NewTrigger(store.Jobs, publisher, cfg.ChunkSize, &logger)

	app := handlers.NewApp(dispatcher, trigger, store.Jobs, store.Ledger, store.Ping, &logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		TokenSecret:    cfg.TriggerTokenSecret,
		RateLimit:      cfg.TriggerRateLimit,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("queue_driver", cfg.QueueDriver).Msg("api: listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.InvocationTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: shutdown failed")
	}
	logger.Info().Msg("api: stopped")
}
