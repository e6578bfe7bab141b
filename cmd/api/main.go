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

	"campaign-dialer/internal/app"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/dialer"
	"campaign-dialer/internal/httpapi"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real environments inject variables directly.
	_ = godotenv.Load()

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	rt, err := app.Open(rootCtx, cfg, log, "api")
	if err != nil {
		log.Error("runtime init failed", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	// Inline loops outlive individual requests but stop with the process.
	dispatcher, inline := rt.Dispatcher(rootCtx)
	controller := dialer.NewController(rt.Store, dispatcher, rt.Locker)

	handlers := httpapi.Handlers{
		Auth:        authManager,
		DevTokens:   !cfg.IsProduction(),
		Store:       rt.Store,
		Control:     controller,
		Concurrency: rt.Provider,
		Enricher:    rt.Enricher,
		Reconciler:  rt.Reconciler,
		Reports:     rt.Reports,
		Wallet:      rt.Wallet,
		Audit:       rt.Audit,
		Currency:    cfg.Billing.Currency,
	}
	deps := routeDeps{
		handlers:       handlers,
		authMW:         auth.RequireAccessToken(authManager),
		remediationURL: cfg.Billing.TopUpURL,
	}
	if rt.Allowance.Enabled() {
		deps.allowance = rt.Allowance
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	// WriteTimeout stays unset: progress streams are long-lived.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "dispatch_mode", string(cfg.Dispatch.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if inline != nil {
		// rootCtx is done, so every inline loop is already winding down.
		inline.Wait()
		log.Info("inline dispatch loops stopped")
	}
}
