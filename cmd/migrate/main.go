package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"avatarbatch/internal/adapter/litestore"
	"avatarbatch/internal/db"
	"avatarbatch/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.UsesSQLite() {
		// Open applies the schema.
		store, err := litestore.Open(cfg.SQLitePath())
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate: sqlite schema failed")
		}
		_ = store.Close()
		logger.Info().Str("path", cfg.SQLitePath()).Msg("migrate: sqlite schema applied")
		return
	}

	conn, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrate: open database")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := conn.ExecContext(ctx, db.PostgresSchema); err != nil {
		logger.Fatal().Err(err).Msg("migrate: postgres schema failed")
	}
	logger.Info().Msg("migrate: postgres schema applied")
}
