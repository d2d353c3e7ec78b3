package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// reapBatchSize はReapExpiredが1回に確定するタスクの上限。
const reapBatchSize = 100

// PostgresStore はsearch_tasks/search_chordsテーブルを使用するStore実装。
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, now: time.Now}
}

// Enqueue はタスクを1件投入する。
func (s *PostgresStore) Enqueue(ctx context.Context, sig Signature) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_tasks (id, queue, name, payload, visible_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, sig.Queue, sig.Name, payloadText(sig.Payload), s.now(),
	)
	if err != nil {
		return "", fmt.Errorf("タスクの登録に失敗しました: %w", err)
	}
	return id, nil
}

// EnqueueChord はコードの行とヘッダータスクを1トランザクションで登録する。
func (s *PostgresStore) EnqueueChord(ctx context.Context, header []Signature, callback Signature) (string, error) {
	if len(header) == 0 {
		return "", errors.New("コードのヘッダーが空です")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	chordID := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO search_chords (id, remaining, callback_name, callback_queue, callback_payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		chordID, len(header), callback.Name, callback.Queue, payloadText(callback.Payload),
	)
	if err != nil {
		return "", fmt.Errorf("コードの登録に失敗しました: %w", err)
	}

	now := s.now()
	for _, sig := range header {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO search_tasks (id, queue, name, payload, visible_at, chord_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.NewString(), sig.Queue, sig.Name, payloadText(sig.Payload), now, chordID,
		)
		if err != nil {
			return "", fmt.Errorf("ヘッダータスクの登録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("コードのコミットに失敗しました: %w", err)
	}
	return chordID, nil
}

// Claim は実行可能なタスクをFOR UPDATE SKIP LOCKEDで取得する。
// 複数ワーカーが同時に呼び出しても同じタスクを取得することはない。
func (s *PostgresStore) Claim(ctx context.Context, opts ClaimOptions) ([]*Task, error) {
	if opts.Limit <= 0 || len(opts.Queues) == 0 {
		return nil, nil
	}
	now := s.now()

	rows, err := s.db.QueryContext(ctx,
		`WITH next AS (
		    SELECT id FROM search_tasks
		    WHERE queue = ANY($1)
		      AND visible_at <= $2
		      AND (status = 'pending'
		           OR (status = 'running' AND ($4 <= 0 OR attempts < $4)))
		    ORDER BY visible_at, created_at
		    LIMIT $5
		    FOR UPDATE SKIP LOCKED
		 )
		 UPDATE search_tasks t SET
		    status = 'running',
		    attempts = t.attempts + 1,
		    visible_at = $3,
		    updated_at = now()
		 FROM next WHERE t.id = next.id
		 RETURNING t.id, t.queue, t.name, t.payload, t.attempts, t.chord_id`,
		pq.Array(opts.Queues), now, now.Add(opts.Visibility), opts.MaxAttempts, opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("タスクの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		var payload []byte
		var chordID sql.NullString
		if err := rows.Scan(&t.ID, &t.Queue, &t.Name, &payload, &t.Attempts, &chordID); err != nil {
			return nil, fmt.Errorf("タスクの読み取りに失敗しました: %w", err)
		}
		t.Payload = payload
		t.ChordID = chordID.String
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("タスクの走査に失敗しました: %w", err)
	}
	return tasks, nil
}

// Finish はタスクを終了状態にし、コードの残数を減らす。
// 更新条件に試行回数を含めるため、再取得されたタスクを古いワーカーが終了させることはない。
func (s *PostgresStore) Finish(ctx context.Context, task *Task, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("終了状態ではありません: %s", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	var chordID sql.NullString
	err = tx.QueryRowContext(ctx,
		`UPDATE search_tasks SET
		    status = $2,
		    last_error = NULLIF($3, ''),
		    updated_at = now()
		 WHERE id = $1 AND status = 'running' AND attempts = $4
		 RETURNING chord_id`,
		task.ID, string(status), errMsg, task.Attempts,
	).Scan(&chordID)
	if err == sql.ErrNoRows {
		return ErrStaleTask
	}
	if err != nil {
		return fmt.Errorf("タスクの終了記録に失敗しました: %w", err)
	}

	if chordID.Valid {
		if err := s.releaseChordSlot(ctx, tx, chordID.String); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("タスク終了のコミットに失敗しました: %w", err)
	}
	return nil
}

// releaseChordSlot はコードの残数を1減らし、0になった場合はコールバックを投入する。
// 残数の更新は行ロックで直列化されるため、0に到達するトランザクションは1つだけとなる。
func (s *PostgresStore) releaseChordSlot(ctx context.Context, tx *sql.Tx, chordID string) error {
	var remaining int
	var cb Signature
	var payload []byte
	err := tx.QueryRowContext(ctx,
		`UPDATE search_chords SET
		    remaining = remaining - 1,
		    released_at = CASE WHEN remaining = 1 THEN now() ELSE released_at END
		 WHERE id = $1 AND remaining > 0
		 RETURNING remaining, callback_name, callback_queue, callback_payload`,
		chordID,
	).Scan(&remaining, &cb.Name, &cb.Queue, &payload)
	if err == sql.ErrNoRows {
		s.logger.Warn("chord_already_released", slog.String("chord_id", chordID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("コード残数の更新に失敗しました: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	cb.Payload = payload
	_, err = tx.ExecContext(ctx,
		`INSERT INTO search_tasks (id, queue, name, payload, visible_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), cb.Queue, cb.Name, payloadText(cb.Payload), s.now(),
	)
	if err != nil {
		return fmt.Errorf("コールバックタスクの登録に失敗しました: %w", err)
	}
	s.logger.Info("chord_released",
		slog.String("chord_id", chordID),
		slog.String("callback", cb.Name),
	)
	return nil
}

// ReapExpired は最大試行回数に達したまま可視性タイムアウトを過ぎたタスクを失敗として確定する。
func (s *PostgresStore) ReapExpired(ctx context.Context, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, name, attempts, chord_id FROM search_tasks
		 WHERE status = 'running' AND visible_at <= $1 AND attempts >= $2
		 ORDER BY visible_at
		 LIMIT $3`,
		s.now(), maxAttempts, reapBatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れタスクの取得に失敗しました: %w", err)
	}

	var expired []*Task
	for rows.Next() {
		t := &Task{}
		var chordID sql.NullString
		if err := rows.Scan(&t.ID, &t.Queue, &t.Name, &t.Attempts, &chordID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("期限切れタスクの読み取りに失敗しました: %w", err)
		}
		t.ChordID = chordID.String
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("期限切れタスクの走査に失敗しました: %w", err)
	}

	reaped := 0
	for _, t := range expired {
		err := s.Finish(ctx, t, StatusFailed, reapMessage)
		if errors.Is(err, ErrStaleTask) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// reapMessage はリーパーが失敗として確定したタスクのlast_error。
const reapMessage = "最大試行回数に達したまま可視性タイムアウトを超過しました"

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
