package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/search"
)

const maxDiscoverFeeds = 50

// FeedFinder はディスカバリー検索インデックスへの問い合わせ。
// search.FeedIndexが実装する。
type FeedFinder interface {
	FindFeeds(ctx context.Context, text string, max int) []search.FeedDocument
}

// DiscoverHandler はフィードディスカバリーのHTTPハンドラー。
type DiscoverHandler struct {
	feeds  FeedFinder
	logger *slog.Logger
}

// NewDiscoverHandler はDiscoverHandlerを生成する。
func NewDiscoverHandler(feeds FeedFinder, logger *slog.Logger) *DiscoverHandler {
	return &DiscoverHandler{feeds: feeds, logger: logger}
}

type discoverResponse struct {
	Feeds []search.FeedDocument `json:"feeds"`
}

// DiscoverFeeds はタイトル・URLの部分一致でフィードを検索し、購読者数の多い順に返す。
// GET /api/feeds/discover?q=&max=
func (h *DiscoverHandler) DiscoverFeeds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := q.Get("q")
	if text == "" {
		handleError(w, h.logger, model.NewEmptyQueryError())
		return
	}

	max := 0
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			handleError(w, h.logger, model.NewInvalidPaginationError("max"))
			return
		}
		max = min(n, maxDiscoverFeeds)
	}

	feeds := h.feeds.FindFeeds(r.Context(), text, max)
	if feeds == nil {
		feeds = []search.FeedDocument{}
	}
	writeJSON(w, http.StatusOK, discoverResponse{Feeds: feeds})
}
