// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedsearch/internal/model"
)

// SessionRepository はセッションデータの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByIDs は指定IDのうち存在するフィードを返す。
	// 存在しないIDは結果から除かれ、順序は保証しない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Feed, error)

	// SetSearchIndexed は指定フィードのsearch_indexedフラグを更新する。
	SetSearchIndexed(ctx context.Context, ids []string, indexed bool) error

	// ListForDiscovery は購読者数がminSubscribers以上のフィードを購読者数の降順で返す。
	ListForDiscovery(ctx context.Context, minSubscribers int) ([]*model.DirectoryFeed, error)
}

// SubscriptionRepository は購読データの参照インターフェース。
type SubscriptionRepository interface {
	// ListByUserID はユーザーの購読一覧を返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Subscription, error)

	// CountByUserID はユーザーの購読数を返す。
	CountByUserID(ctx context.Context, userID string) (int, error)
}

// ItemRepository は記事データの参照インターフェース。
type ItemRepository interface {
	// ListByFeedID はフィードの記事をID順にページングして返す。
	ListByFeedID(ctx context.Context, feedID string, limit, offset int) ([]*model.Item, error)

	// FindByIDs は指定IDのうち存在する記事を返す。順序は保証しない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Item, error)
}

// UserSearchRepository はユーザー検索状態の永続化インターフェース。
type UserSearchRepository interface {
	// FindByUserID は指定ユーザーの検索状態を取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.UserSearch, error)

	// Create は両フラグfalseの検索状態を作成する。既に存在する場合は何もしない。
	Create(ctx context.Context, userID string) error

	// Save は検索状態のタイムスタンプとフラグを保存する。
	Save(ctx context.Context, us *model.UserSearch) error

	// Delete は指定ユーザーの検索状態を削除する。
	Delete(ctx context.Context, userID string) error

	// ListUserIDs は検索状態を持つ全ユーザーのIDを返す。
	ListUserIDs(ctx context.Context) ([]string, error)

	// ResetStuckIndexing はbefore以前から更新のないインデックス中の状態を解除し、件数を返す。
	ResetStuckIndexing(ctx context.Context, before time.Time) (int64, error)
}
