package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/middleware"
	"github.com/hitoshi/feedsearch/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	ReindexLimiter    *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker        HealthChecker
	BackendHealthChecker BackendHealthChecker
	Gatherer             prometheus.Gatherer

	// 検索
	SearchState   SearchStateToucher
	Stories       StoryQuerier
	Subscriptions SubscriptionLister
	Items         ItemFinder
	Feeds         FeedFinder
	Reindexer     FeedReindexRequester
	Events        notify.Subscriber

	Logger *slog.Logger
}

// NewRouter は検索APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (Session → CSRF → RateLimit)
//
// /health、/metrics、ディスカバリー検索は認証不要とする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	searchHandler := NewSearchHandler(deps.SearchState, deps.Stories, deps.Subscriptions, deps.Items, logger)
	discoverHandler := NewDiscoverHandler(deps.Feeds, logger)
	eventsHandler := NewEventsHandler(deps.Events, logger)
	reindexHandler := NewReindexHandler(deps.Reindexer, logger)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, deps.BackendHealthChecker, logger))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Get("/api/feeds/discover", discoverHandler.DiscoverFeeds)
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF, logger).ServeHTTP)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, logger))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF, logger))

		r.Route("/api/search", func(r chi.Router) {
			r.With(deps.RateLimiter.Middleware("search")).Get("/stories", searchHandler.SearchStories)
			r.Get("/events", eventsHandler.StreamEvents)
			r.With(deps.ReindexLimiter.Middleware("reindex")).Post("/feeds/reindex", reindexHandler.ReindexFeeds)
		})
	})

	return r
}
