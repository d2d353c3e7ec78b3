// Package indexing はユーザーごとの購読インデックス状態と、
// フルインデックスのファンアウト/ファンインを管理する。
//
// 状態はNEVER_INDEXED → INDEXING → INDEXEDと遷移する。
// INDEXED → INDEXINGの遷移はMarkTouchでのみ起こり、
// INDEXINGからの自動的な巻き戻しは行わない（ResetStuckによる手動解除のみ）。
package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/repository"
)

// Scheduler はフルインデックスの実行を予約する。
type Scheduler interface {
	ScheduleFullIndex(ctx context.Context, userID string) error
}

// StateStore はユーザーごとの検索インデックス状態を管理する。
type StateStore struct {
	repo      repository.UserSearchRepository
	subs      repository.SubscriptionRepository
	feeds     repository.FeedRepository
	stories   StoryIndex
	scheduler Scheduler
	now       func() time.Time
	logger    *slog.Logger
}

// NewStateStore はStateStoreを生成する。
func NewStateStore(
	repo repository.UserSearchRepository,
	subs repository.SubscriptionRepository,
	feeds repository.FeedRepository,
	stories StoryIndex,
	scheduler Scheduler,
	logger *slog.Logger,
) *StateStore {
	return &StateStore{
		repo:      repo,
		subs:      subs,
		feeds:     feeds,
		stories:   stories,
		scheduler: scheduler,
		now:       time.Now,
		logger:    logger,
	}
}

// GetOrCreate はユーザーの検索状態を返す。存在しない場合は両フラグfalseで作成する。
// 同じユーザーの初回アクセスが同時に起きても作成は1件となる。
func (s *StateStore) GetOrCreate(ctx context.Context, userID string) (*model.UserSearch, error) {
	us, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if us != nil {
		return us, nil
	}

	if err := s.repo.Create(ctx, userID); err != nil {
		return nil, err
	}
	us, err = s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if us == nil {
		return nil, fmt.Errorf("作成した検索状態が見つかりません: %s", userID)
	}
	return us, nil
}

// Get はユーザーの検索状態を返す。存在しない場合はnilを返し、作成はしない。
func (s *StateStore) Get(ctx context.Context, userID string) (*model.UserSearch, error) {
	return s.repo.FindByUserID(ctx, userID)
}

// MarkTouch は最終検索日時を更新し、どちらのフラグも立っていなければフルインデックスを開始する。
// フルインデックスを開始する唯一の入口。
//
// インデックス中フラグを保存してから予約する。予約に失敗した場合はフラグを戻してエラーを返すため、
// 次回のMarkTouchで再度開始を試みる。
func (s *StateStore) MarkTouch(ctx context.Context, userID string) (*model.UserSearch, error) {
	us, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	us.LastSearchDate = &now
	start := us.NeedsFullIndex()
	if start {
		us.SubscriptionsIndexing = true
		us.IndexingStartedAt = &now
	}
	if err := s.repo.Save(ctx, us); err != nil {
		return nil, err
	}
	if !start {
		return us, nil
	}

	if err := s.scheduler.ScheduleFullIndex(ctx, userID); err != nil {
		us.SubscriptionsIndexing = false
		us.IndexingStartedAt = nil
		if rerr := s.repo.Save(ctx, us); rerr != nil {
			s.logger.Error("インデックス中フラグの巻き戻しに失敗しました",
				slog.String("user_id", userID),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, fmt.Errorf("フルインデックスの予約に失敗しました: %w", err)
	}

	s.logger.Info("full_index_requested", slog.String("user_id", userID))
	return us, nil
}

// MarkIndexingComplete はフルインデックスの完了を記録する。
// 検索状態が削除済みの場合は何もしない。
func (s *StateStore) MarkIndexingComplete(ctx context.Context, userID string) error {
	us, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if us == nil {
		s.logger.Warn("search_state_missing_on_complete", slog.String("user_id", userID))
		return nil
	}
	us.SubscriptionsIndexed = true
	us.SubscriptionsIndexing = false
	us.IndexingStartedAt = nil
	return s.repo.Save(ctx, us)
}

// Remove はユーザーの検索状態を削除する。
// 購読フィードのsearch_indexedフラグも解除するが、失敗はログに記録するのみとする。
// フィードは他ユーザーと共有されるため、インデックス上の記事は削除しない。
func (s *StateStore) Remove(ctx context.Context, userID string) error {
	subs, err := s.subs.ListByUserID(ctx, userID)
	if err != nil {
		s.logger.Warn("購読フィードの取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if len(subs) > 0 {
		ids := make([]string, 0, len(subs))
		for _, sub := range subs {
			ids = append(ids, sub.FeedID)
		}
		if err := s.feeds.SetSearchIndexed(ctx, uniqueIDs(ids), false); err != nil {
			s.logger.Warn("フィードのインデックス済みフラグ解除に失敗しました",
				slog.String("user_id", userID),
				slog.Int("feed_count", len(ids)),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.repo.Delete(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("search_state_removed", slog.String("user_id", userID))
	return nil
}

// RemoveAll は全ユーザーの検索状態を削除し、件数を返す。
// dropIndexの場合はコンテンツ検索インデックスも削除する。
func (s *StateStore) RemoveAll(ctx context.Context, dropIndex bool) (int, error) {
	userIDs, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, id := range userIDs {
		if err := s.Remove(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("ユーザー %s: %w", id, err))
			continue
		}
		removed++
	}

	if dropIndex {
		if err := s.stories.DropIndex(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// ResetStuck はインデックス開始からolderThan以上経っても完了していない状態を解除し、件数を返す。
// 解除後の次回のMarkTouchでフルインデックスが再び予約される。
// 自動では実行しない。
func (s *StateStore) ResetStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.repo.ResetStuckIndexing(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	s.logger.Info("stuck_indexing_reset",
		slog.Int64("count", n),
		slog.Duration("older_than", olderThan),
	)
	return n, nil
}
