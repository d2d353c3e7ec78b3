// Package cleanup はタスクキューの終了済みレコードの自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超過した終了済みタスクと解放済みコードを削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DefaultRetention は終了済みレコードの既定の保持期間。
const DefaultRetention = 7 * 24 * time.Hour

// CleanupJob は保持期間を超過したタスクキューのレコードを削除するジョブ。
// 削除対象がない場合もエラーにならない。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	Retention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。retentionが0以下の場合はDefaultRetentionを使用する。
func NewCleanupJob(db Executor, retention time.Duration, logger *slog.Logger) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &CleanupJob{
		db:        db,
		logger:    logger,
		Retention: retention,
	}
}

// Run は終了から保持期間を超過したタスクと、解放から保持期間を超過したコードを削除する。
// 未解放のコードと実行中・待機中のタスクは削除しない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d seconds", int64(j.Retention.Seconds()))

	tasks, err := j.exec(ctx,
		`DELETE FROM search_tasks
		 WHERE status IN ('succeeded', 'failed') AND updated_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return fmt.Errorf("タスクのクリーンアップに失敗: %w", err)
	}

	chords, err := j.exec(ctx,
		`DELETE FROM search_chords
		 WHERE released_at IS NOT NULL AND released_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		return fmt.Errorf("コードのクリーンアップに失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("タスククリーンアップジョブが完了しました",
		slog.Int64("deleted_tasks", tasks),
		slog.Int64("deleted_chords", chords),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) exec(ctx context.Context, query, interval string) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("タスククリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}
