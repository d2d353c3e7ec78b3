package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/feedsearch/internal/model"
)

// PostgresUserSearchRepo はPostgreSQLを使用したユーザー検索状態リポジトリ。
// 読み取りはすべてプライマリ接続で行う。
type PostgresUserSearchRepo struct {
	db *sql.DB
}

// NewPostgresUserSearchRepo はPostgresUserSearchRepoを生成する。
func NewPostgresUserSearchRepo(db *sql.DB) *PostgresUserSearchRepo {
	return &PostgresUserSearchRepo{db: db}
}

// FindByUserID は指定ユーザーの検索状態を取得する。見つからない場合はnilを返す。
func (r *PostgresUserSearchRepo) FindByUserID(ctx context.Context, userID string) (*model.UserSearch, error) {
	us := &model.UserSearch{}
	var lastSearchDate, indexingStartedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, last_search_date, subscriptions_indexed, subscriptions_indexing,
		        indexing_started_at, created_at, updated_at
		 FROM user_search WHERE user_id = $1`,
		userID,
	).Scan(
		&us.UserID, &lastSearchDate, &us.SubscriptionsIndexed, &us.SubscriptionsIndexing,
		&indexingStartedAt, &us.CreatedAt, &us.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("検索状態の取得に失敗しました: %w", err)
	}

	if lastSearchDate.Valid {
		us.LastSearchDate = &lastSearchDate.Time
	}
	if indexingStartedAt.Valid {
		us.IndexingStartedAt = &indexingStartedAt.Time
	}
	return us, nil
}

// Create は両フラグfalseの検索状態を作成する。既に存在する場合は何もしない。
func (r *PostgresUserSearchRepo) Create(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_search (user_id) VALUES ($1)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("検索状態の作成に失敗しました: %w", err)
	}
	return nil
}

// Save は検索状態のタイムスタンプとフラグを保存する。
func (r *PostgresUserSearchRepo) Save(ctx context.Context, us *model.UserSearch) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_search SET
		    last_search_date = $2,
		    subscriptions_indexed = $3,
		    subscriptions_indexing = $4,
		    indexing_started_at = $5,
		    updated_at = now()
		 WHERE user_id = $1`,
		us.UserID, nullTime(us.LastSearchDate), us.SubscriptionsIndexed, us.SubscriptionsIndexing,
		nullTime(us.IndexingStartedAt),
	)
	if err != nil {
		return fmt.Errorf("検索状態の保存に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定ユーザーの検索状態を削除する。
func (r *PostgresUserSearchRepo) Delete(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM user_search WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("検索状態の削除に失敗しました: %w", err)
	}
	return nil
}

// ListUserIDs は検索状態を持つ全ユーザーのIDを返す。
func (r *PostgresUserSearchRepo) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM user_search ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("検索状態ユーザー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ユーザーIDの読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("検索状態ユーザー一覧の走査に失敗しました: %w", err)
	}
	return ids, nil
}

// ResetStuckIndexing はbeforeより前にインデックスを開始したまま完了していない状態を解除し、件数を返す。
// 検索による更新（last_search_date, updated_at）は判定に使わない。
func (r *PostgresUserSearchRepo) ResetStuckIndexing(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE user_search SET
		    subscriptions_indexing = false,
		    indexing_started_at = NULL,
		    updated_at = now()
		 WHERE subscriptions_indexing = true
		   AND COALESCE(indexing_started_at, created_at) < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("インデックス中状態の解除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("解除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ UserSearchRepository = (*PostgresUserSearchRepo)(nil)
