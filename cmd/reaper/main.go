package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"nanoedit/internal/db"
	"nanoedit/internal/infra"
	"nanoedit/internal/task"
)

// The reaper fails tasks stuck in a non-terminal state longer than the TTL.
// Without it, a client that stops polling leaves rows pending forever.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("reaper: db connection failed")
	}
	defer pool.Close()

	orch := task.NewOrchestrator(db.New(pool), logger)

	logger.Info().Dur("ttl", cfg.TaskTTL).Dur("interval", cfg.ReapInterval).Msg("reaper: started")

	ticker := time.NewTicker(cfg.ReapInterval)
	defer ticker.Stop()

	for {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		if _, err := orch.ReapStale(sweepCtx, cfg.TaskTTL); err != nil {
			logger.Error().Err(err).Msg("reaper: sweep failed")
		}
		cancel()

		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper: stopped")
			return
		case <-ticker.C:
		}
	}
}
