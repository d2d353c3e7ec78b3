package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedsearch/internal/middleware"
	"github.com/hitoshi/feedsearch/internal/notify"
)

const defaultHeartbeatInterval = 30 * time.Second

// EventsHandler はユーザーの検索インデックス進捗をServer-Sent Eventsで中継する。
type EventsHandler struct {
	subscriber notify.Subscriber
	heartbeat  time.Duration
	logger     *slog.Logger
}

// NewEventsHandler はEventsHandlerを生成する。
func NewEventsHandler(subscriber notify.Subscriber, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{
		subscriber: subscriber,
		heartbeat:  defaultHeartbeatInterval,
		logger:     logger,
	}
}

// StreamEvents はユーザーのチャネルを購読し、受信したメッセージをdataイベントとして送る。
// GET /api/search/events
func (h *EventsHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("ストリーミングに対応していないResponseWriterです")
		middleware.WriteInternalServerError(w)
		return
	}

	sub, err := h.subscriber.Subscribe(notify.ChannelKey(userID))
	if err != nil {
		handleError(w, h.logger, fmt.Errorf("通知の購読に失敗しました: %w", err))
		return
	}
	defer sub.Close()

	// 書き込みタイムアウトを解除する
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("書き込み期限を解除できませんでした", slog.String("error", err.Error()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	h.logger.Debug("search_events_opened", slog.String("user_id", userID))
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
