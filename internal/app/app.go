// Package app はサブコマンドごとの依存関係の組み立てと起動を行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/feedsearch/internal/config"
	"github.com/hitoshi/feedsearch/internal/database"
	"github.com/hitoshi/feedsearch/internal/indexing"
	"github.com/hitoshi/feedsearch/internal/logger"
	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/notify"
	"github.com/hitoshi/feedsearch/internal/repository"
	"github.com/hitoshi/feedsearch/internal/search"
	"github.com/hitoshi/feedsearch/internal/searchbackend"
	"github.com/hitoshi/feedsearch/internal/taskqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	dbConnectTimeout = 10 * time.Second
	shutdownTimeout  = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを再設定する
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして起動する。
// SIGINTまたはSIGTERMを受信すると実行中のサブコマンドを停止する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// components はサブコマンド間で共有する依存関係。
type components struct {
	db *sql.DB

	sessions      *repository.PostgresSessionRepo
	subscriptions *repository.PostgresSubscriptionRepo
	items         *repository.PostgresItemRepo
	feeds         *repository.PostgresFeedRepo

	backend   *searchbackend.Client
	stories   *search.StoryIndex
	feedIndex *search.FeedIndex

	taskStore    *taskqueue.PostgresStore
	orchestrator *indexing.Orchestrator
	storySync    *indexing.StorySync
	discovery    *indexing.DiscoveryIndexer

	registry  *prometheus.Registry
	collector *metrics.Collector
}

// newComponents はDB接続から検索インデックスとインデックス調整の依存関係を組み立てる。
func newComponents(cfg *config.Config, db *sql.DB, logger *slog.Logger) *components {
	c := &components{db: db}

	// 1. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.collector = metrics.NewCollector(c.registry)

	// 2. リポジトリ
	c.sessions = repository.NewPostgresSessionRepo(db)
	c.subscriptions = repository.NewPostgresSubscriptionRepo(db)
	c.items = repository.NewPostgresItemRepo(db)
	c.feeds = repository.NewPostgresFeedRepo(db)
	userSearch := repository.NewPostgresUserSearchRepo(db)

	// 3. 検索バックエンドと検索インデックス
	c.backend = searchbackend.NewClient(cfg.SearchBackendURL,
		searchbackend.WithHTTPClient(&http.Client{Timeout: cfg.SearchBackendTimeout}),
		searchbackend.WithBreaker(searchbackend.NewBreaker()),
		searchbackend.WithLogger(logger),
	)
	c.stories = search.NewStoryIndex(c.backend, cfg.SearchStoryIndex, cfg.SearchFeedCap, c.collector, logger)
	c.feedIndex = search.NewFeedIndex(c.backend, cfg.SearchFeedIndex,
		cfg.DiscoveryCacheSize, cfg.DiscoveryCacheTTL, c.collector, logger)

	// 4. タスクキューとインデックス調整
	c.taskStore = taskqueue.NewPostgresStore(db, logger)
	c.orchestrator = indexing.NewOrchestrator(indexing.Dependencies{
		UserSearch:    userSearch,
		Subscriptions: c.subscriptions,
		Feeds:         c.feeds,
		Items:         c.items,
		Stories:       c.stories,
		Queue:         taskqueue.NewQueue(c.taskStore, logger),
		Publisher:     notify.NewPostgresPublisher(db),
		Metrics:       c.collector,
		Logger:        logger,
		ChunkSize:     cfg.IndexChunkSize,
	})
	c.storySync = indexing.NewStorySync(c.items, c.feeds, c.stories, logger)
	c.discovery = indexing.NewDiscoveryIndexer(c.feeds, c.feedIndex, cfg.DiscoveryMinSubscribers, logger)

	return c
}

// openDatabase はDATABASE_URLの設定を確認し、疎通確認済みの接続を返す。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// withComponents はDBに接続して依存関係を組み立て、fnの終了後に接続を閉じる。
func withComponents(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(c *components) error) error {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(newComponents(cfg, db, logger))
}

// serveHTTP はコンテキストがキャンセルされるまでサーバーを起動し、グレースフルシャットダウンする。
func serveHTTP(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down http server...", slog.String("addr", server.Addr))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("http server stopped gracefully", slog.String("addr", server.Addr))
	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
