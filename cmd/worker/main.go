package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"campaign-dialer/internal/app"
	"campaign-dialer/internal/config"
	"campaign-dialer/pkg/logger"

	"github.com/joho/godotenv"
)

// worker consumes dispatch jobs and runs campaign loops. Run as many
// replicas as needed; the per-campaign lease keeps one loop per campaign.
func main() {
	_ = godotenv.Load()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env).With("process", "worker")
	slog.SetDefault(log)
	ctx := logger.With(rootCtx, log)

	rt, err := app.Open(ctx, cfg, log, "worker")
	if err != nil {
		log.Error("runtime init failed", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	w := rt.Worker()
	if _, err := w.Recover(ctx); err != nil {
		// Not fatal: campaigns can still be resumed through the api.
		log.Error("recover failed", "err", err)
	}
	if err := w.Run(ctx); err != nil {
		log.Error("worker failed", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
