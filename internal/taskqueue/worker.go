package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedsearch/internal/metrics"
)

// Handler はタスクを実行する関数。エラーを返した場合タスクは失敗として確定する。
type Handler func(ctx context.Context, task *Task) error

// WorkerConfig はワーカーの設定。
type WorkerConfig struct {
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	Visibility   time.Duration
	MaxAttempts  int
}

// Worker はキューからタスクを取得し、登録済みハンドラで並列実行する。
type Worker struct {
	store    Store
	cfg      WorkerConfig
	mu       sync.RWMutex
	handlers map[string]Handler
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewWorker はWorkerを生成する。
// Concurrencyが0以下の場合は8、PollIntervalが0以下の場合は1秒、
// Visibilityが0以下の場合は10分を使用する。
func NewWorker(store Store, cfg WorkerConfig, collector metrics.MetricsCollector, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 10 * time.Minute
	}
	if collector == nil {
		collector = metrics.Discard
	}
	return &Worker{
		store:    store,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		metrics:  collector,
		logger:   logger,
	}
}

// Register はタスク名にハンドラを登録する。同名の登録は上書きする。
func (w *Worker) Register(name string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = h
}

// Run はポーリング間隔ごとにタスクを取得して実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("タスクワーカーを開始しました",
		slog.Any("queues", w.cfg.Queues),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("poll_interval", w.cfg.PollInterval),
	)

	for {
		// 取得できた間はポーリング間隔を待たずに続けて処理する
		for {
			n, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error("タスクの取得に失敗しました", slog.String("error", err.Error()))
				break
			}
			if n == 0 || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("タスクワーカーを停止しました")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce は期限切れタスクを確定した後、最大Concurrency件のタスクを取得して実行し、
// 実行件数を返す。すべてのタスクの終了を待って戻る。
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	if ctx.Err() != nil {
		return 0, nil
	}

	reaped, err := w.store.ReapExpired(ctx, w.cfg.MaxAttempts)
	if err != nil {
		w.logger.Warn("期限切れタスクの確定に失敗しました", slog.String("error", err.Error()))
	} else if reaped > 0 {
		w.logger.Warn("tasks_reaped", slog.Int("count", reaped))
	}

	tasks, err := w.store.Claim(ctx, ClaimOptions{
		Queues:      w.cfg.Queues,
		Limit:       w.cfg.Concurrency,
		Visibility:  w.cfg.Visibility,
		MaxAttempts: w.cfg.MaxAttempts,
	})
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, t := range tasks {
		g.Go(func() error {
			w.execute(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return len(tasks), nil
}

// Drain は取得できるタスクがなくなるまでRunOnceを繰り返し、実行件数の合計を返す。
// ワンショット実行とテストで使用する。
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func (w *Worker) execute(ctx context.Context, t *Task) {
	start := time.Now()

	status := StatusSucceeded
	errMsg := ""
	if err := w.invoke(ctx, t); err != nil {
		status = StatusFailed
		errMsg = err.Error()
		w.logger.Error("task_failed",
			slog.String("task_id", t.ID),
			slog.String("task_name", t.Name),
			slog.Int("attempts", t.Attempts),
			slog.String("error", errMsg),
		)
	}

	// 停止中でも完了した結果は記録する
	finishCtx := context.WithoutCancel(ctx)
	if err := w.store.Finish(finishCtx, t, status, errMsg); err != nil {
		if errors.Is(err, ErrStaleTask) {
			w.logger.Warn("task_finish_stale",
				slog.String("task_id", t.ID),
				slog.String("task_name", t.Name),
			)
		} else {
			w.logger.Error("タスクの終了記録に失敗しました",
				slog.String("task_id", t.ID),
				slog.String("task_name", t.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	duration := time.Since(start)
	w.metrics.RecordTask(t.Name, string(status), duration)
	w.logger.Debug("task_finished",
		slog.String("task_id", t.ID),
		slog.String("task_name", t.Name),
		slog.String("status", string(status)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

func (w *Worker) invoke(ctx context.Context, t *Task) (err error) {
	w.mu.RLock()
	h, ok := w.handlers[t.Name]
	w.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, t.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("panic recovered",
				slog.Any("panic", rec),
				slog.String("task_name", t.Name),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("タスクがパニックしました: %v", rec)
		}
	}()
	return h(ctx, t)
}
