package indexing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/repository"
	"github.com/hitoshi/feedsearch/internal/search"
)

// DefaultPageSize はフィードの記事を読み出す1ページあたりの件数。
const DefaultPageSize = 100

// StoryIndex はインデックス処理が使用するコンテンツ検索インデックスの操作。
type StoryIndex interface {
	EnsureSchema(ctx context.Context, force bool) error
	IndexDocuments(ctx context.Context, docs []search.StoryDocument) int
	DropIndex(ctx context.Context) error
}

// FeedIndexer はフィードの全記事をコンテンツ検索インデックスに投入する。
type FeedIndexer struct {
	items    repository.ItemRepository
	feeds    repository.FeedRepository
	stories  StoryIndex
	pageSize int
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewFeedIndexer はFeedIndexerを生成する。pageSizeが0以下の場合はDefaultPageSizeを使う。
func NewFeedIndexer(
	items repository.ItemRepository,
	feeds repository.FeedRepository,
	stories StoryIndex,
	pageSize int,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *FeedIndexer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if collector == nil {
		collector = metrics.Discard
	}
	return &FeedIndexer{
		items:    items,
		feeds:    feeds,
		stories:  stories,
		pageSize: pageSize,
		metrics:  collector,
		logger:   logger,
	}
}

// IndexFeed はフィードの記事をページ単位で一括登録し、登録件数と全記事を登録できたかを返す。
// 全記事を登録できた場合のみフィードのsearch_indexedを立てる。
// 検索バックエンドへの書き込み失敗はエラーにしない（complete=falseとして返すのみ）。
func (f *FeedIndexer) IndexFeed(ctx context.Context, feedID string) (indexed int, complete bool, err error) {
	complete = true

	for offset := 0; ; offset += f.pageSize {
		items, err := f.items.ListByFeedID(ctx, feedID, f.pageSize, offset)
		if err != nil {
			return indexed, false, fmt.Errorf("フィード %s の記事取得に失敗しました: %w", feedID, err)
		}
		if len(items) == 0 {
			break
		}

		docs := make([]search.StoryDocument, 0, len(items))
		for _, item := range items {
			docs = append(docs, search.StoryDocumentFromItem(item))
		}
		n := f.stories.IndexDocuments(ctx, docs)
		indexed += n
		if n < len(docs) {
			complete = false
		}

		if len(items) < f.pageSize {
			break
		}
	}

	if !complete {
		f.logger.Warn("feed_index_incomplete",
			slog.String("feed_id", feedID),
			slog.Int("indexed", indexed),
		)
		return indexed, false, nil
	}

	if err := f.feeds.SetSearchIndexed(ctx, []string{feedID}, true); err != nil {
		return indexed, false, fmt.Errorf("フィード %s のインデックス済みフラグ更新に失敗しました: %w", feedID, err)
	}
	f.metrics.RecordFeedIndexed()
	f.logger.Debug("feed_indexed",
		slog.String("feed_id", feedID),
		slog.Int("indexed", indexed),
	)
	return indexed, true, nil
}

// compile-time interface check
var _ StoryIndex = (*search.StoryIndex)(nil)
