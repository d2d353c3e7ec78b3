package indexing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/notify"
	"github.com/hitoshi/feedsearch/internal/repository"
	"github.com/hitoshi/feedsearch/internal/taskqueue"
)

// タスクキュー上のキュー名とタスク名。
const (
	QueueName = "search_indexer"

	TaskIndexSubscriptions       = "search.index_subscriptions"
	TaskIndexSubscriptionsChunk  = "search.index_subscriptions_chunk"
	TaskFinishIndexSubscriptions = "search.finish_index_subscriptions"
	TaskIndexFeeds               = "search.index_feeds"
)

// DefaultChunkSize は1チャンクタスクが扱うフィード数。
const DefaultChunkSize = 6

// 進捗チャネルに発行するメッセージ。
const (
	MessageStart = "search_index_complete:start"
	MessageDone  = "search_index_complete:done"

	messageFeedsPrefix = "search_index_complete:feeds:"
)

// FeedsMessage は処理済みフィードを知らせるメッセージを返す。
func FeedsMessage(feedIDs []string) string {
	return messageFeedsPrefix + strings.Join(feedIDs, ",")
}

// Submitter はタスクの投入口。
type Submitter interface {
	Submit(ctx context.Context, name string, payload any, queue string) error
	SubmitChord(ctx context.Context, header []taskqueue.Signature, callback taskqueue.Signature) error
}

type userPayload struct {
	UserID string `json:"user_id"`
}

type feedsPayload struct {
	FeedIDs []string `json:"feed_ids"`
	UserID  string   `json:"user_id"`
}

type completionPayload struct {
	UserID string    `json:"user_id"`
	Start  time.Time `json:"start"`
}

// Dependencies はOrchestratorが使用するコンポーネント。
type Dependencies struct {
	UserSearch    repository.UserSearchRepository
	Subscriptions repository.SubscriptionRepository
	Feeds         repository.FeedRepository
	Items         repository.ItemRepository
	Stories       StoryIndex
	Queue         Submitter
	Publisher     notify.Publisher
	Metrics       metrics.MetricsCollector
	Logger        *slog.Logger
	ChunkSize     int
}

// Orchestrator はフルインデックスをチャンク単位のタスクに分割し、
// 全チャンクの終了後に1回だけ完了処理を実行させる。
type Orchestrator struct {
	subs      repository.SubscriptionRepository
	feeds     repository.FeedRepository
	stories   StoryIndex
	queue     Submitter
	publisher notify.Publisher
	indexer   *FeedIndexer
	state     *StateStore
	chunkSize int
	metrics   metrics.MetricsCollector
	now       func() time.Time
	logger    *slog.Logger
}

// NewOrchestrator はOrchestratorと、それをスケジューラとして使用するStateStoreを生成する。
func NewOrchestrator(deps Dependencies) *Orchestrator {
	if deps.ChunkSize <= 0 {
		deps.ChunkSize = DefaultChunkSize
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard
	}
	o := &Orchestrator{
		subs:      deps.Subscriptions,
		feeds:     deps.Feeds,
		stories:   deps.Stories,
		queue:     deps.Queue,
		publisher: deps.Publisher,
		indexer:   NewFeedIndexer(deps.Items, deps.Feeds, deps.Stories, DefaultPageSize, deps.Metrics, deps.Logger),
		chunkSize: deps.ChunkSize,
		metrics:   deps.Metrics,
		now:       time.Now,
		logger:    deps.Logger,
	}
	o.state = NewStateStore(deps.UserSearch, deps.Subscriptions, deps.Feeds, deps.Stories, o, deps.Logger)
	return o
}

// State はOrchestratorに紐づくStateStoreを返す。
func (o *Orchestrator) State() *StateStore {
	return o.state
}

// ScheduleFullIndex はフルインデックスの列挙とファンアウトを行うタスクを1件投入する。
func (o *Orchestrator) ScheduleFullIndex(ctx context.Context, userID string) error {
	return o.queue.Submit(ctx, TaskIndexSubscriptions, userPayload{UserID: userID}, QueueName)
}

// RunFullIndex はユーザーの購読フィードをチャンクに分割し、
// チャンクタスク群と完了タスクをコードとして投入する。
// 存在しないフィードはチャンク分割の前に除外する。
func (o *Orchestrator) RunFullIndex(ctx context.Context, userID string) error {
	if err := o.stories.EnsureSchema(ctx, false); err != nil {
		o.logger.Warn("コンテンツ検索インデックスの準備に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	o.publish(ctx, userID, MessageStart)

	feedIDs, err := o.liveFeedIDs(ctx, userID)
	if err != nil {
		return err
	}

	chunks := Chunk(feedIDs, o.chunkSize)
	header := make([]taskqueue.Signature, 0, len(chunks))
	for _, chunk := range chunks {
		sig, err := taskqueue.NewSignature(TaskIndexSubscriptionsChunk, QueueName,
			feedsPayload{FeedIDs: chunk, UserID: userID})
		if err != nil {
			return err
		}
		header = append(header, sig)
	}
	callback, err := taskqueue.NewSignature(TaskFinishIndexSubscriptions, QueueName,
		completionPayload{UserID: userID, Start: o.now()})
	if err != nil {
		return err
	}

	if err := o.queue.SubmitChord(ctx, header, callback); err != nil {
		return err
	}
	o.logger.Info("full_index_started",
		slog.String("user_id", userID),
		slog.Int("feed_count", len(feedIDs)),
		slog.Int("chunk_count", len(chunks)),
	)
	return nil
}

// liveFeedIDs はユーザーの購読フィードのうち存在するもののIDを購読順に返す。
func (o *Orchestrator) liveFeedIDs(ctx context.Context, userID string) ([]string, error) {
	subs, err := o.subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.FeedID)
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	feeds, err := o.feeds.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	exists := make(map[string]struct{}, len(feeds))
	for _, f := range feeds {
		exists[f.ID] = struct{}{}
	}

	live := ids[:0]
	for _, id := range ids {
		if _, ok := exists[id]; ok {
			live = append(live, id)
		}
	}
	return live, nil
}

// RunChunk はチャンク内の各フィードの記事をインデックスし、処理済みフィードを通知する。
// 存在しないフィードは読み飛ばす。個々のフィードの失敗は全フィードの処理後にまとめて返す。
func (o *Orchestrator) RunChunk(ctx context.Context, feedIDs []string, userID string) error {
	return o.indexFeeds(ctx, feedIDs, userID)
}

// RunCompletion はフルインデックスの完了を記録し、完了を通知する。
func (o *Orchestrator) RunCompletion(ctx context.Context, userID string, start time.Time) error {
	count, err := o.subs.CountByUserID(ctx, userID)
	if err != nil {
		o.logger.Warn("購読数の取得に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	elapsed := o.now().Sub(start)
	o.metrics.RecordFullIndexCompleted(elapsed)
	o.logger.Info("full_index_completed",
		slog.String("user_id", userID),
		slog.Int("subscription_count", count),
		slog.Float64("elapsed_seconds", elapsed.Seconds()),
	)

	o.publish(ctx, userID, MessageDone)
	return o.state.MarkIndexingComplete(ctx, userID)
}

// RequestFeedReindex は指定フィードの再インデックスを1件のタスクとして投入し、投入したかを返す。
// フルインデックス済みかつインデックス中でないユーザー以外の要求は破棄する。
// 実行中のフルインデックスが同じフィードを処理するためである。
// ユーザーが購読していないフィードは対象から除き、1件も残らなければ破棄する。
func (o *Orchestrator) RequestFeedReindex(ctx context.Context, feedIDs []string, userID string) (bool, error) {
	feedIDs = uniqueIDs(feedIDs)
	if len(feedIDs) == 0 {
		return false, nil
	}

	us, err := o.state.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if us == nil || !us.SubscriptionsIndexed || us.SubscriptionsIndexing {
		o.logger.Debug("feed_reindex_dropped", slog.String("user_id", userID))
		return false, nil
	}

	feedIDs, err = o.subscribedOnly(ctx, feedIDs, userID)
	if err != nil {
		return false, err
	}
	if len(feedIDs) == 0 {
		o.logger.Debug("feed_reindex_not_subscribed", slog.String("user_id", userID))
		return false, nil
	}

	if err := o.queue.Submit(ctx, TaskIndexFeeds, feedsPayload{FeedIDs: feedIDs, UserID: userID}, QueueName); err != nil {
		return false, err
	}
	return true, nil
}

// subscribedOnly はfeedIDsのうちユーザーが購読しているものを要求順で返す。
func (o *Orchestrator) subscribedOnly(ctx context.Context, feedIDs []string, userID string) ([]string, error) {
	subs, err := o.subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	subscribed := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		subscribed[sub.FeedID] = struct{}{}
	}
	out := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		if _, ok := subscribed[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// RunFeedReindex は指定フィードの記事をインデックスし、処理済みフィードを通知する。
func (o *Orchestrator) RunFeedReindex(ctx context.Context, feedIDs []string, userID string) error {
	if err := o.stories.EnsureSchema(ctx, false); err != nil {
		o.logger.Warn("コンテンツ検索インデックスの準備に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return o.indexFeeds(ctx, feedIDs, userID)
}

func (o *Orchestrator) indexFeeds(ctx context.Context, feedIDs []string, userID string) error {
	var errs []error
	processed := make([]string, 0, len(feedIDs))
	for _, id := range feedIDs {
		feed, err := o.feeds.FindByID(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if feed == nil {
			continue
		}
		_, complete, err := o.indexer.IndexFeed(ctx, feed.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// 書き込みが欠けたフィードは次回の再インデックスで補うため通知しない
		if complete {
			processed = append(processed, feed.ID)
		}
	}

	if len(processed) > 0 {
		o.publish(ctx, userID, FeedsMessage(processed))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d件のフィードのインデックスに失敗しました: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// publish は進捗を通知する。失敗はログに記録するのみとする。
func (o *Orchestrator) publish(ctx context.Context, userID, message string) {
	if err := o.publisher.Publish(ctx, notify.ChannelKey(userID), message); err != nil {
		o.logger.Warn("進捗の通知に失敗しました",
			slog.String("user_id", userID),
			slog.String("message", message),
			slog.String("error", err.Error()),
		)
	}
}

// RegisterTasks はワーカーにインデックス関連のタスクハンドラを登録する。
func (o *Orchestrator) RegisterTasks(w *taskqueue.Worker) {
	w.Register(TaskIndexSubscriptions, func(ctx context.Context, t *taskqueue.Task) error {
		var p userPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		return o.RunFullIndex(ctx, p.UserID)
	})
	w.Register(TaskIndexSubscriptionsChunk, func(ctx context.Context, t *taskqueue.Task) error {
		var p feedsPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		return o.RunChunk(ctx, p.FeedIDs, p.UserID)
	})
	w.Register(TaskFinishIndexSubscriptions, func(ctx context.Context, t *taskqueue.Task) error {
		var p completionPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		return o.RunCompletion(ctx, p.UserID, p.Start)
	})
	w.Register(TaskIndexFeeds, func(ctx context.Context, t *taskqueue.Task) error {
		var p feedsPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		return o.RunFeedReindex(ctx, p.FeedIDs, p.UserID)
	})
}

// compile-time interface check
var (
	_ Scheduler = (*Orchestrator)(nil)
	_ Submitter = (*taskqueue.Queue)(nil)
)
