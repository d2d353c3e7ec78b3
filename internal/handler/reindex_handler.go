package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedsearch/internal/model"
)

// maxReindexBodyBytes は再インデックス要求ボディの上限。
const maxReindexBodyBytes = 64 << 10

// FeedReindexRequester はフィード単位の再インデックスを要求する。
// indexing.Orchestratorが実装する。
type FeedReindexRequester interface {
	RequestFeedReindex(ctx context.Context, feedIDs []string, userID string) (bool, error)
}

// ReindexHandler はフィード再インデックスのHTTPハンドラー。
type ReindexHandler struct {
	requester FeedReindexRequester
	logger    *slog.Logger
}

// NewReindexHandler はReindexHandlerを生成する。
func NewReindexHandler(requester FeedReindexRequester, logger *slog.Logger) *ReindexHandler {
	return &ReindexHandler{requester: requester, logger: logger}
}

type reindexRequest struct {
	FeedIDs []string `json:"feed_ids"`
}

type reindexResponse struct {
	Accepted bool `json:"accepted"`
}

// ReindexFeeds は指定フィードの再インデックスを要求する。
// POST /api/search/feeds/reindex {"feed_ids": [...]}
//
// フルインデックス済みでないユーザーの要求は破棄されaccepted=falseとなるが、ステータスは常に202とする。
func (h *ReindexHandler) ReindexFeeds(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req reindexRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReindexBodyBytes)).Decode(&req); err != nil {
		handleError(w, h.logger, model.NewInvalidBodyError())
		return
	}
	if len(req.FeedIDs) == 0 {
		handleError(w, h.logger, model.NewNoFeedsSpecifiedError())
		return
	}

	accepted, err := h.requester.RequestFeedReindex(r.Context(), req.FeedIDs, userID)
	if err != nil {
		handleError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, reindexResponse{Accepted: accepted})
}
