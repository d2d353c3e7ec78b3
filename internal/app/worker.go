package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedsearch/internal/config"
	"github.com/hitoshi/feedsearch/internal/indexing"
	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/taskqueue"
	"github.com/hitoshi/feedsearch/internal/worker/cleanup"
	"github.com/hitoshi/feedsearch/internal/worker/periodic"
)

// cleanupInterval はタスクキューのクリーンアップを実行する間隔。
const cleanupInterval = 24 * time.Hour

// runWorker はワーカーモードで起動する。
// インデックスタスクの実行、ディスカバリーインデックスの定期更新、
// タスクキューのクリーンアップを並行して実行する。
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	return withComponents(ctx, cfg, logger, func(c *components) error {
		worker := taskqueue.NewWorker(c.taskStore, taskqueue.WorkerConfig{
			Queues:       []string{indexing.QueueName},
			Concurrency:  cfg.TaskConcurrency,
			PollInterval: cfg.TaskPollInterval,
			Visibility:   cfg.TaskVisibility,
			MaxAttempts:  cfg.TaskMaxAttempts,
		}, c.collector, logger)
		c.orchestrator.RegisterTasks(worker)
		c.storySync.RegisterTasks(worker)

		discovery := periodic.NewScheduler("discovery_index", cfg.DiscoveryInterval, c.discovery.Run, logger)
		cleanupJob := cleanup.NewCleanupJob(c.db, cfg.TaskRetention, logger)
		cleaner := periodic.NewScheduler("task_cleanup", cleanupInterval, cleanupJob.Run, logger)

		logger.Info("worker starting",
			slog.Int("concurrency", cfg.TaskConcurrency),
			slog.Duration("discovery_interval", cfg.DiscoveryInterval),
			slog.Duration("task_retention", cfg.TaskRetention),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error {
			discovery.Start(gctx)
			return nil
		})
		g.Go(func() error {
			cleaner.Start(gctx)
			return nil
		})
		if cfg.WorkerMetricsPort != "" {
			server := &http.Server{
				Addr:        ":" + cfg.WorkerMetricsPort,
				Handler:     metrics.SetupMetricsRoute(c.registry),
				ReadTimeout: 5 * time.Second,
			}
			g.Go(func() error { return serveHTTP(gctx, server, logger) })
		}

		if err := g.Wait(); err != nil {
			return err
		}
		logger.Info("worker stopped gracefully")
		return nil
	})
}
