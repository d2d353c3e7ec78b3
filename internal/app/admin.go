package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedsearch/internal/config"
	"github.com/hitoshi/feedsearch/internal/database"
)

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	logger.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// runReindexDiscovery はディスカバリー検索インデックスを1回だけ更新する。
// recreateの場合はインデックスを作り直してから登録する。
func runReindexDiscovery(ctx context.Context, cfg *config.Config, logger *slog.Logger, recreate bool) error {
	return withComponents(ctx, cfg, logger, func(c *components) error {
		if recreate {
			if err := c.feedIndex.EnsureSchema(ctx, true); err != nil {
				return fmt.Errorf("failed to recreate discovery index: %w", err)
			}
		}
		n, err := c.discovery.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("discovery reindex failed: %w", err)
		}
		total, err := c.feedIndex.DocumentCount(ctx)
		if err != nil {
			return fmt.Errorf("discovery reindex verification failed: %w", err)
		}
		logger.Info("discovery reindex completed",
			slog.Int("feed_count", n),
			slog.Uint64("index_documents", total),
		)
		return nil
	})
}

// runExportFeeds は購読者数がminSubscribers以上のフィードをCSVでwに書き出す。
func runExportFeeds(ctx context.Context, cfg *config.Config, logger *slog.Logger, w io.Writer, minSubscribers int) error {
	return withComponents(ctx, cfg, logger, func(c *components) error {
		n, err := c.discovery.ExportCSV(ctx, w, minSubscribers)
		if err != nil {
			return fmt.Errorf("feed export failed: %w", err)
		}
		logger.Info("feeds exported", slog.Int("row_count", n), slog.Int("min_subscribers", minSubscribers))
		return nil
	})
}

// runResetStuck はolderThanより長くインデックス中のままのユーザーを未インデックスに戻す。
func runResetStuck(ctx context.Context, cfg *config.Config, logger *slog.Logger, olderThan time.Duration) error {
	if olderThan <= 0 {
		return fmt.Errorf("--older-than must be positive: %s", olderThan)
	}
	return withComponents(ctx, cfg, logger, func(c *components) error {
		if _, err := c.orchestrator.State().ResetStuck(ctx, olderThan); err != nil {
			return fmt.Errorf("reset stuck indexing failed: %w", err)
		}
		return nil
	})
}

// runRemoveSearch はユーザー1人の検索状態を削除する。
func runRemoveSearch(ctx context.Context, cfg *config.Config, logger *slog.Logger, userID string) error {
	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	return withComponents(ctx, cfg, logger, func(c *components) error {
		if err := c.orchestrator.State().Remove(ctx, userID); err != nil {
			return fmt.Errorf("remove search state failed: %w", err)
		}
		return nil
	})
}

// runRemoveAll は全ユーザーの検索状態を削除する。
// dropIndexの場合はコンテンツ検索インデックスも削除する。
func runRemoveAll(ctx context.Context, cfg *config.Config, logger *slog.Logger, dropIndex bool) error {
	return withComponents(ctx, cfg, logger, func(c *components) error {
		n, err := c.orchestrator.State().RemoveAll(ctx, dropIndex)
		logger.Info("search states removed", slog.Int("count", n), slog.Bool("drop_index", dropIndex))
		if err != nil {
			return fmt.Errorf("remove all search states failed: %w", err)
		}
		return nil
	})
}
