package indexing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedsearch/internal/repository"
	"github.com/hitoshi/feedsearch/internal/search"
	"github.com/hitoshi/feedsearch/internal/taskqueue"
)

// 記事単位の同期タスク名。リーダー本体が記事の保存・削除時に投入する。
const (
	TaskIndexStory  = "search.index_story"
	TaskRemoveStory = "search.remove_story"
)

// StoryWriter は記事1件単位のコンテンツ検索インデックス操作。
type StoryWriter interface {
	IndexDocument(ctx context.Context, doc search.StoryDocument)
	RemoveDocument(ctx context.Context, storyID string)
}

type storyPayload struct {
	StoryID string `json:"story_id"`
}

// StorySync は保存・削除された記事をコンテンツ検索インデックスに反映する。
type StorySync struct {
	items   repository.ItemRepository
	feeds   repository.FeedRepository
	stories StoryWriter
	logger  *slog.Logger
}

// NewStorySync はStorySyncを生成する。
func NewStorySync(items repository.ItemRepository, feeds repository.FeedRepository, stories StoryWriter, logger *slog.Logger) *StorySync {
	return &StorySync{items: items, feeds: feeds, stories: stories, logger: logger}
}

// IndexStory は記事1件を登録し、登録したかを返す。
// 記事が存在しない場合と、フィードがまだインデックスされていない場合は何もしない。
// 未インデックスのフィードは、購読者の次回検索時にフィード単位でまとめて登録される。
func (s *StorySync) IndexStory(ctx context.Context, storyID string) (bool, error) {
	items, err := s.items.FindByIDs(ctx, []string{storyID})
	if err != nil {
		return false, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}
	item := items[0]

	feed, err := s.feeds.FindByID(ctx, item.FeedID)
	if err != nil {
		return false, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil || !feed.SearchIndexed {
		s.logger.Debug("story_index_skipped",
			slog.String("story_id", storyID),
			slog.String("feed_id", item.FeedID),
		)
		return false, nil
	}

	s.stories.IndexDocument(ctx, search.StoryDocumentFromItem(item))
	return true, nil
}

// RemoveStory は記事をコンテンツ検索インデックスから削除する。
func (s *StorySync) RemoveStory(ctx context.Context, storyID string) {
	s.stories.RemoveDocument(ctx, storyID)
}

// RegisterTasks はワーカーに記事単位の同期タスクを登録する。
func (s *StorySync) RegisterTasks(w *taskqueue.Worker) {
	w.Register(TaskIndexStory, func(ctx context.Context, t *taskqueue.Task) error {
		var p storyPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		_, err := s.IndexStory(ctx, p.StoryID)
		return err
	})
	w.Register(TaskRemoveStory, func(ctx context.Context, t *taskqueue.Task) error {
		var p storyPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		s.RemoveStory(ctx, p.StoryID)
		return nil
	})
}
