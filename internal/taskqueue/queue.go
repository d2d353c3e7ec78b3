package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Store はタスクとコードの永続化インターフェース。
type Store interface {
	// Enqueue はタスクを1件投入し、タスクIDを返す。
	Enqueue(ctx context.Context, sig Signature) (string, error)

	// EnqueueChord はコードとそのヘッダータスクを1トランザクションで投入し、コードIDを返す。
	// headerは1件以上であること。
	EnqueueChord(ctx context.Context, header []Signature, callback Signature) (string, error)

	// Claim は実行可能なタスクを最大opts.Limit件取得し、試行回数を1増やして不可視にする。
	// 実行可能なタスクは、待機中のもの、または可視性タイムアウトを過ぎた
	// 試行回数がopts.MaxAttempts未満の実行中タスクである。
	Claim(ctx context.Context, opts ClaimOptions) ([]*Task, error)

	// Finish はタスクを終了状態にする。タスクがコードに属する場合は残数を1減らし、
	// 0になった場合はコールバックタスクを同じトランザクションで投入する。
	// 取得時から試行回数が変わっている場合はErrStaleTaskを返す。
	Finish(ctx context.Context, task *Task, status Status, errMsg string) error

	// ReapExpired は可視性タイムアウトを過ぎ、試行回数がmaxAttempts以上のタスクを失敗として確定し、件数を返す。
	ReapExpired(ctx context.Context, maxAttempts int) (int, error)
}

// Queue はタスクの投入口。APIサーバーとワーカーの双方から使用する。
type Queue struct {
	store  Store
	logger *slog.Logger
}

// NewQueue はQueueを生成する。
func NewQueue(store Store, logger *slog.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// Submit はタスクを1件投入する。
func (q *Queue) Submit(ctx context.Context, name string, payload any, queue string) error {
	sig, err := NewSignature(name, queue, payload)
	if err != nil {
		return err
	}
	id, err := q.store.Enqueue(ctx, sig)
	if err != nil {
		return fmt.Errorf("タスクの投入に失敗しました (%s): %w", name, err)
	}
	q.logger.Debug("task_submitted",
		slog.String("task_id", id),
		slog.String("task_name", name),
		slog.String("queue", queue),
	)
	return nil
}

// SubmitChord はheaderのタスク群を投入し、すべての終了後にcallbackを1回実行させる。
// headerが空の場合はcallbackを単独で投入する。
func (q *Queue) SubmitChord(ctx context.Context, header []Signature, callback Signature) error {
	if len(header) == 0 {
		id, err := q.store.Enqueue(ctx, callback)
		if err != nil {
			return fmt.Errorf("コールバックタスクの投入に失敗しました (%s): %w", callback.Name, err)
		}
		q.logger.Debug("task_submitted",
			slog.String("task_id", id),
			slog.String("task_name", callback.Name),
			slog.String("queue", callback.Queue),
		)
		return nil
	}
	for i := range header {
		if header[i].Payload == nil {
			header[i].Payload = emptyPayload()
		}
	}
	if callback.Payload == nil {
		callback.Payload = emptyPayload()
	}

	id, err := q.store.EnqueueChord(ctx, header, callback)
	if err != nil {
		return fmt.Errorf("コードの投入に失敗しました (%s): %w", callback.Name, err)
	}
	q.logger.Debug("chord_submitted",
		slog.String("chord_id", id),
		slog.Int("header_count", len(header)),
		slog.String("callback", callback.Name),
	)
	return nil
}

func emptyPayload() json.RawMessage {
	return json.RawMessage(`{}`)
}
