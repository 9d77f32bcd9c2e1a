package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/mnemo-gateway/internal/anchor"
	"github.com/connexus-ai/mnemo-gateway/internal/config"
	"github.com/connexus-ai/mnemo-gateway/internal/gateway"
	"github.com/connexus-ai/mnemo-gateway/internal/gcpclient"
	"github.com/connexus-ai/mnemo-gateway/internal/gwcache"
	"github.com/connexus-ai/mnemo-gateway/internal/handler"
	"github.com/connexus-ai/mnemo-gateway/internal/middleware"
	"github.com/connexus-ai/mnemo-gateway/internal/proxy"
	"github.com/connexus-ai/mnemo-gateway/internal/repository"
	"github.com/connexus-ai/mnemo-gateway/internal/router"
	"github.com/connexus-ai/mnemo-gateway/internal/summary"
)

// Version is stamped at build time via -ldflags; defaults to "dev" locally.
var Version = "dev"

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("main: load config: %w", err)
	}

	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, 0)
	if err != nil {
		return fmt.Errorf("main: connect database: %w", err)
	}
	defer pool.Close()

	messageRepo := repository.NewMessageRepo(pool)
	summaryRepo := repository.NewSummaryRepo(pool)
	sessionFlagRepo := repository.NewSessionFlagRepo(pool)

	summarizerClient := gcpclient.NewBYOLLMClient(cfg.UpstreamAPIKey, cfg.UpstreamBaseURL, cfg.SummarizerModel)
	summaryGenerator := summary.NewLLMGenerator(summarizerClient, cfg.SummarizerModel)
	summaryStore := summary.New(messageRepo, summaryRepo, sessionFlagRepo, summaryGenerator, cfg)

	gwCache := gwcache.New(time.Duration(cfg.GatewayCtxCacheTTLSecs * float64(time.Second)))
	anchorClient := anchor.New(anchor.Config{
		BaseURL:        cfg.DifyBaseURL,
		WorkflowRunURL: cfg.DifyWorkflowRunURL,
		WorkflowID:     cfg.DifyWorkflowIDAnchor,
		APIKey:         cfg.DifyAPIKey,
		Timeout:        time.Duration(cfg.DifyTimeoutSecs * float64(time.Second)),
	})
	gatewayEngine := gateway.New(gwCache, anchorClient, cfg)

	orchestrator := proxy.New(gatewayEngine, summaryStore, cfg)

	metricsReg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(metricsReg)

	chatRateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: 10,
		Window:      time.Minute,
	})

	deps := &router.Dependencies{
		DB:                 pool,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         metricsReg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		FrontendURL:        cfg.FrontendURL,
		ChatRateLimiter:    chatRateLimiter,
		GatewayEngine:      gatewayEngine,
		Orchestrator:       orchestrator,
		SummaryStore:       summaryStore,
		AdminMigrateDeps: handler.AdminMigrateDeps{
			RunSQL: func(ctx context.Context, sql string) error {
				_, err := pool.Exec(ctx, sql)
				return err
			},
			MigrationsDir: "migrations",
		},
	}

	r := router.New(deps)

	srv := &http.Server{
		Addr:         ":" + fmt.Sprintf("%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // chat-completions may stream indefinitely; no route sets its own write timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mnemo-gateway starting", "version", Version, "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("main: server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("main: graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
