package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/search"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// SearchStateToucher は検索時にユーザーの検索状態を更新する。
// indexing.StateStoreが実装する。
type SearchStateToucher interface {
	MarkTouch(ctx context.Context, userID string) (*model.UserSearch, error)
}

// StoryQuerier はコンテンツ検索インデックスへの問い合わせ。
// search.StoryIndexが実装する。
type StoryQuerier interface {
	Query(ctx context.Context, feedIDs []string, text string, order search.Order, offset, limit int, sanitize bool) []string
	GlobalQuery(ctx context.Context, text string, order search.Order, offset, limit int, sanitize bool) []string
}

// SubscriptionLister はユーザーの購読一覧を返す。
type SubscriptionLister interface {
	ListByUserID(ctx context.Context, userID string) ([]*model.Subscription, error)
}

// ItemFinder は記事を一括取得する。
type ItemFinder interface {
	FindByIDs(ctx context.Context, ids []string) ([]*model.Item, error)
}

// SearchHandler は記事検索のHTTPハンドラー。
type SearchHandler struct {
	state   SearchStateToucher
	stories StoryQuerier
	subs    SubscriptionLister
	items   ItemFinder
	logger  *slog.Logger
}

// NewSearchHandler はSearchHandlerを生成する。
func NewSearchHandler(state SearchStateToucher, stories StoryQuerier, subs SubscriptionLister, items ItemFinder, logger *slog.Logger) *SearchHandler {
	return &SearchHandler{
		state:   state,
		stories: stories,
		subs:    subs,
		items:   items,
		logger:  logger,
	}
}

// storyResponse は検索結果の記事。
type storyResponse struct {
	ID          string     `json:"id"`
	FeedID      string     `json:"feed_id"`
	Title       string     `json:"title"`
	Link        string     `json:"link"`
	Author      string     `json:"author"`
	Tags        []string   `json:"tags"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// searchStoriesResponse は記事検索のレスポンス。
// Indexingがtrueの場合、購読フィードのインデックスが完了しておらず結果が不完全な可能性がある。
type searchStoriesResponse struct {
	Items    []storyResponse `json:"items"`
	Indexing bool            `json:"indexing"`
}

// searchParams は記事検索のクエリパラメータ。
type searchParams struct {
	text    string
	order   search.Order
	offset  int
	limit   int
	feedIDs []string
	global  bool
}

// SearchStories は記事を検索する。
// GET /api/search/stories?q=&order=newest|oldest&offset=&limit=&feed_id=..&global=1
//
// 検索のたびに検索状態を更新し、未インデックスのユーザーはここでフルインデックスが開始される。
func (h *SearchHandler) SearchStories(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	params, apiErr := parseSearchParams(r)
	if apiErr != nil {
		handleError(w, h.logger, apiErr)
		return
	}

	indexing := false
	us, err := h.state.MarkTouch(r.Context(), userID)
	if err != nil {
		// 状態更新の失敗で検索自体は止めない
		h.logger.Warn("search_touch_failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if us != nil {
		indexing = us.SubscriptionsIndexing
	}

	var ids []string
	if params.global {
		ids = h.stories.GlobalQuery(r.Context(), params.text, params.order, params.offset, params.limit, true)
	} else {
		feedIDs := params.feedIDs
		if len(feedIDs) == 0 {
			feedIDs, err = h.subscribedFeedIDs(r.Context(), userID)
			if err != nil {
				handleError(w, h.logger, err)
				return
			}
		}
		ids = h.stories.Query(r.Context(), feedIDs, params.text, params.order, params.offset, params.limit, true)
	}

	items, err := h.hydrate(r.Context(), ids)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}

	h.logger.Debug("stories_searched",
		slog.String("user_id", userID),
		slog.Int("hits", len(ids)),
		slog.Bool("global", params.global),
		slog.Bool("indexing", indexing),
	)
	writeJSON(w, http.StatusOK, searchStoriesResponse{Items: items, Indexing: indexing})
}

func (h *SearchHandler) subscribedFeedIDs(ctx context.Context, userID string) ([]string, error) {
	subs, err := h.subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.FeedID)
	}
	return ids, nil
}

// hydrate は検索結果のIDから記事を取得し、検索結果の順序で返す。
// 検索インデックスにのみ残っている記事は読み飛ばす。
func (h *SearchHandler) hydrate(ctx context.Context, ids []string) ([]storyResponse, error) {
	out := make([]storyResponse, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	items, err := h.items.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, id := range ids {
		it, ok := byID[id]
		if !ok {
			continue
		}
		tags := it.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, storyResponse{
			ID:          it.ID,
			FeedID:      it.FeedID,
			Title:       it.Title,
			Link:        it.Link,
			Author:      it.Author,
			Tags:        tags,
			PublishedAt: it.PublishedAt,
		})
	}
	return out, nil
}

func parseSearchParams(r *http.Request) (searchParams, *model.APIError) {
	q := r.URL.Query()
	p := searchParams{
		text:    q.Get("q"),
		order:   search.OrderNewest,
		limit:   defaultSearchLimit,
		feedIDs: q["feed_id"],
		global:  q.Get("global") == "1",
	}
	if p.text == "" {
		return p, model.NewEmptyQueryError()
	}
	if o := q.Get("order"); o != "" {
		order, ok := search.ParseOrder(o)
		if !ok {
			return p, model.NewInvalidOrderError(o)
		}
		p.order = order
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, model.NewInvalidPaginationError("offset")
		}
		p.offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, model.NewInvalidPaginationError("limit")
		}
		p.limit = min(n, maxSearchLimit)
	}
	return p, nil
}
