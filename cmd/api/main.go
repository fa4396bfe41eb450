package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendsync/internal/app"
	"attendsync/internal/auth"
	"attendsync/internal/config"
	"attendsync/internal/handler"
	"attendsync/internal/httpmiddleware"
	"attendsync/internal/logging"
	"attendsync/internal/metrics"
)

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

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func run(cfg config.App, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backends, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("close backends", zap.Error(err))
		}
	}()

	m := metrics.New()
	services := app.NewServices(cfg, backends, logger, m)
	policy, err := auth.NewPolicy()
	if err != nil {
		return err
	}

	// The in-memory queue only exists in this process, so its consumer runs here.
	if cfg.QueueBackend == "memory" {
		w, err := app.NewWorker(backends.Queue, services.Resolver, cfg.AutoResolve, cfg.AutoResolveAfter, logger, m)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("in-process worker stopped", zap.Error(err))
			}
		}()
	}

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestContext(logger))
	r.Use(httpmiddleware.AccessLog("/healthz", "/metrics"))
	r.Use(httpmiddleware.CORS(cfg.CORSOrigins))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(m.Middleware())

	r.GET("/healthz", handler.Health(backends.Checks()))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("", limiter.Middleware(httpmiddleware.ByIP))
	services.Handler(logger).Register(api, auth.Bearer([]byte(cfg.JWTSigningKey), cfg.JWTIssuer), policy)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}
