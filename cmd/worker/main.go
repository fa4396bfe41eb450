package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attendsync/internal/app"
	"attendsync/internal/config"
	"attendsync/internal/logging"
)

// Worker consumes conflict events and auto-resolves stale conflicts.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	for _, w := range cfg.Warnings {
		logger.Warn("config", zap.String("warning", w))
	}
	if cfg.QueueBackend == "memory" {
		logger.Warn("memory queue selected; the worker only sees events published in its own process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("close backends", zap.Error(err))
		}
	}()

	services := app.NewServices(cfg, backends, logger, nil)
	w, err := app.NewWorker(backends.Queue, services.Resolver, cfg.AutoResolve, cfg.AutoResolveAfter, logger, nil)
	if err != nil {
		logger.Fatal("invalid AUTO_RESOLVE_STRATEGY", zap.Error(err))
	}
	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", zap.Error(err))
	}
}
