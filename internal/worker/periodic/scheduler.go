// Package periodic は一定間隔でジョブを実行するスケジューラを提供する。
// ディスカバリーインデックスの更新とタスククリーンアップをワーカー内で定期実行する。
package periodic

import (
	"context"
	"log/slog"
	"time"
)

// Job は定期実行する処理。
type Job func(ctx context.Context) error

// Scheduler はティッカーでジョブを定期実行する。
// 前回の実行が終わるまで次の実行は始まらない。
type Scheduler struct {
	name     string
	interval time.Duration
	job      Job
	logger   *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合はデフォルト値1時間を使用する。
func NewScheduler(name string, interval time.Duration, job Job, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		logger:   logger,
	}
}

// Start は起動直後に1回ジョブを実行し、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("定期ジョブを開始しました",
		slog.String("job", s.name),
		slog.Duration("interval", s.interval),
	)

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("定期ジョブを停止しました", slog.String("job", s.name))
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	if err := s.job(ctx); err != nil {
		s.logger.Error("定期ジョブの実行に失敗しました",
			slog.String("job", s.name),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Debug("periodic_job_completed",
		slog.String("job", s.name),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}
