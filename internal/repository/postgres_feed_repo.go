package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsearch/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, feed_url, site_url, title, search_indexed, created_at, updated_at`

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed := &model.Feed{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`,
		id,
	).Scan(
		&feed.ID, &feed.FeedURL, &feed.SiteURL, &feed.Title,
		&feed.SearchIndexed, &feed.CreatedAt, &feed.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	return feed, nil
}

// FindByIDs は指定IDのうち存在するフィードを返す。
// 存在しないIDは結果から除かれる。
func (r *PostgresFeedRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Feed, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = ANY($1::uuid[])`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("フィードの一括取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed := &model.Feed{}
		if err := rows.Scan(
			&feed.ID, &feed.FeedURL, &feed.SiteURL, &feed.Title,
			&feed.SearchIndexed, &feed.CreatedAt, &feed.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィードの走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// SetSearchIndexed は指定フィードのsearch_indexedフラグを更新する。
func (r *PostgresFeedRepo) SetSearchIndexed(ctx context.Context, ids []string, indexed bool) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET search_indexed = $2, updated_at = now() WHERE id = ANY($1::uuid[])`,
		pq.Array(ids), indexed,
	)
	if err != nil {
		return fmt.Errorf("search_indexedの更新に失敗しました: %w", err)
	}
	return nil
}

// ListForDiscovery は購読者数がminSubscribers以上のフィードを購読者数の降順で返す。
func (r *PostgresFeedRepo) ListForDiscovery(ctx context.Context, minSubscribers int) ([]*model.DirectoryFeed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f.id, f.feed_url, f.site_url, f.title, f.search_indexed,
		        f.created_at, f.updated_at, COUNT(s.id) AS num_subscribers
		 FROM feeds f
		 LEFT JOIN subscriptions s ON s.feed_id = f.id
		 GROUP BY f.id
		 HAVING COUNT(s.id) >= $1
		 ORDER BY num_subscribers DESC, f.id ASC`,
		minSubscribers,
	)
	if err != nil {
		return nil, fmt.Errorf("ディレクトリフィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.DirectoryFeed
	for rows.Next() {
		df := &model.DirectoryFeed{}
		if err := rows.Scan(
			&df.ID, &df.FeedURL, &df.SiteURL, &df.Title, &df.SearchIndexed,
			&df.CreatedAt, &df.UpdatedAt, &df.NumSubscribers,
		); err != nil {
			return nil, fmt.Errorf("ディレクトリフィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, df)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ディレクトリフィードの走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
