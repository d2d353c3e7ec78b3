package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedsearch/internal/config"
	"github.com/hitoshi/feedsearch/internal/handler"
	"github.com/hitoshi/feedsearch/internal/middleware"
	"github.com/hitoshi/feedsearch/internal/notify"
)

// runServe はAPIサーバーモードで起動する。
// 検索進捗の通知はLISTEN接続を1本だけ張り、SSEの購読者間で共有する。
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	return withComponents(ctx, cfg, logger, func(c *components) error {
		hub := notify.NewHub(cfg.DatabaseURL, logger)
		defer hub.Close()
		go hub.Run(ctx)

		rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitSearch), logger)
		defer rateLimiter.Stop()
		reindexLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitReindex), logger)
		defer reindexLimiter.Stop()

		router := handler.NewRouter(&handler.RouterDeps{
			SessionFinder:     c.sessions,
			CORSAllowedOrigin: cfg.CORSAllowedOrigin,
			CSRF:              middleware.CSRFConfig{CookieSecure: cfg.CookieSecure},
			RateLimiter:       rateLimiter,
			ReindexLimiter:    reindexLimiter,

			HealthChecker:        c.db,
			BackendHealthChecker: c.backend,
			Gatherer:             c.registry,

			SearchState:   c.orchestrator.State(),
			Stories:       c.stories,
			Subscriptions: c.subscriptions,
			Items:         c.items,
			Feeds:         c.feedIndex,
			Reindexer:     c.orchestrator,
			Events:        hub,

			Logger: logger,
		})

		server := &http.Server{
			Addr:         ":" + cfg.ServerPort,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		return serveHTTP(ctx, server, logger)
	})
}
