package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedsearch/internal/config"
	"github.com/hitoshi/feedsearch/internal/searchd"
)

// runSearchd は検索バックエンドを起動する。
// SEARCH_DATA_DIRが空の場合はインデックスをメモリ上に保持する。
func runSearchd(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	engine, err := searchd.NewEngine(cfg.SearchDataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to start search engine: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("search engine close failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("search engine ready",
		slog.String("data_dir", cfg.SearchDataDir),
		slog.Any("indexes", engine.Names()),
	)

	server := &http.Server{
		Addr:         ":" + cfg.SearchdPort,
		Handler:      searchd.NewServer(engine, logger).Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return serveHTTP(ctx, server, logger)
}
