package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedsearch/internal/middleware"
	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/notify"
	"github.com/hitoshi/feedsearch/internal/search"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// --- モック定義 ---

type mockToucher struct {
	markTouchFn func(ctx context.Context, userID string) (*model.UserSearch, error)
	touched     []string
}

func (m *mockToucher) MarkTouch(ctx context.Context, userID string) (*model.UserSearch, error) {
	m.touched = append(m.touched, userID)
	if m.markTouchFn != nil {
		return m.markTouchFn(ctx, userID)
	}
	return &model.UserSearch{UserID: userID, SubscriptionsIndexed: true}, nil
}

type queryCall struct {
	feedIDs []string
	text    string
	order   search.Order
	offset  int
	limit   int
	global  bool
}

type mockStoryQuerier struct {
	ids   []string
	calls []queryCall
}

func (m *mockStoryQuerier) Query(_ context.Context, feedIDs []string, text string, order search.Order, offset, limit int, _ bool) []string {
	m.calls = append(m.calls, queryCall{feedIDs, text, order, offset, limit, false})
	return m.ids
}

func (m *mockStoryQuerier) GlobalQuery(_ context.Context, text string, order search.Order, offset, limit int, _ bool) []string {
	m.calls = append(m.calls, queryCall{nil, text, order, offset, limit, true})
	return m.ids
}

type mockSubscriptionLister struct {
	feedIDs []string
	err     error
}

func (m *mockSubscriptionLister) ListByUserID(_ context.Context, userID string) ([]*model.Subscription, error) {
	if m.err != nil {
		return nil, m.err
	}
	var subs []*model.Subscription
	for _, id := range m.feedIDs {
		subs = append(subs, &model.Subscription{UserID: userID, FeedID: id})
	}
	return subs, nil
}

type mockItemFinder struct {
	items map[string]*model.Item
	err   error
}

func (m *mockItemFinder) FindByIDs(_ context.Context, ids []string) ([]*model.Item, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []*model.Item
	// 順序は保証されないため逆順で返す
	for i := len(ids) - 1; i >= 0; i-- {
		if it, ok := m.items[ids[i]]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func itemsByID(ids ...string) *mockItemFinder {
	m := &mockItemFinder{items: make(map[string]*model.Item)}
	for _, id := range ids {
		m.items[id] = &model.Item{ID: id, FeedID: "f1", Title: "title " + id}
	}
	return m
}

type mockFeedFinder struct {
	docs    []search.FeedDocument
	gotText string
	gotMax  int
}

func (m *mockFeedFinder) FindFeeds(_ context.Context, text string, max int) []search.FeedDocument {
	m.gotText, m.gotMax = text, max
	return m.docs
}

type mockReindexer struct {
	accepted bool
	err      error
	gotFeeds []string
	gotUser  string
}

func (m *mockReindexer) RequestFeedReindex(_ context.Context, feedIDs []string, userID string) (bool, error) {
	m.gotFeeds, m.gotUser = feedIDs, userID
	return m.accepted, m.err
}

func authedRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return r.WithContext(middleware.ContextWithUserID(r.Context(), "u1"))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスの解析に失敗: %v", err)
	}
	return body
}

// --- SearchHandler ---

func TestSearchStories_QueriesSubscribedFeedsAndHydratesInOrder(t *testing.T) {
	logger, _ := newTestLogger()
	toucher := &mockToucher{}
	stories := &mockStoryQuerier{ids: []string{"s3", "gone", "s1", "s2"}}
	h := NewSearchHandler(toucher, stories, &mockSubscriptionLister{feedIDs: []string{"f1", "f2"}}, itemsByID("s1", "s2", "s3"), logger)

	w := httptest.NewRecorder()
	h.SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?q=go+lang&order=oldest&offset=10&limit=5", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp searchStoriesResponse
	json.NewDecoder(w.Body).Decode(&resp)

	var got []string
	for _, it := range resp.Items {
		got = append(got, it.ID)
	}
	if !slices.Equal(got, []string{"s3", "s1", "s2"}) {
		t.Errorf("記事の並び = %v", got)
	}
	if resp.Indexing {
		t.Error("indexing = true, want false")
	}

	call := stories.calls[0]
	if call.text != "go lang" || call.order != search.OrderOldest || call.offset != 10 || call.limit != 5 {
		t.Errorf("検索呼び出し = %+v", call)
	}
	if !slices.Equal(call.feedIDs, []string{"f1", "f2"}) {
		t.Errorf("対象フィード = %v", call.feedIDs)
	}
	if !slices.Equal(toucher.touched, []string{"u1"}) {
		t.Errorf("touched = %v", toucher.touched)
	}
}

func TestSearchStories_ExplicitFeedsAndGlobal(t *testing.T) {
	logger, _ := newTestLogger()
	stories := &mockStoryQuerier{}
	subs := &mockSubscriptionLister{err: errors.New("should not be called")}
	h := NewSearchHandler(&mockToucher{}, stories, subs, itemsByID(), logger)

	w := httptest.NewRecorder()
	h.SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?q=x&feed_id=a&feed_id=b", ""))
	if w.Code != http.StatusOK || !slices.Equal(stories.calls[0].feedIDs, []string{"a", "b"}) {
		t.Errorf("status=%d call=%+v", w.Code, stories.calls)
	}

	w = httptest.NewRecorder()
	h.SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?q=x&global=1&limit=1000", ""))
	if w.Code != http.StatusOK || !stories.calls[1].global || stories.calls[1].limit != maxSearchLimit {
		t.Errorf("status=%d call=%+v", w.Code, stories.calls[1])
	}

	var resp map[string]any
	json.NewDecoder(w.Body).Decode(&resp)
	if items, ok := resp["items"].([]any); !ok || len(items) != 0 {
		t.Errorf("空の結果はitems=[]で返すべき: %v", resp)
	}
}

func TestSearchStories_ReportsIndexing(t *testing.T) {
	logger, _ := newTestLogger()
	toucher := &mockToucher{markTouchFn: func(_ context.Context, userID string) (*model.UserSearch, error) {
		return &model.UserSearch{UserID: userID, SubscriptionsIndexing: true}, nil
	}}
	h := NewSearchHandler(toucher, &mockStoryQuerier{}, &mockSubscriptionLister{}, itemsByID(), logger)

	w := httptest.NewRecorder()
	h.SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?q=x", ""))

	var resp searchStoriesResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !resp.Indexing {
		t.Error("indexing = false, want true")
	}
}

func TestSearchStories_TouchFailureStillSearches(t *testing.T) {
	logger, buf := newTestLogger()
	toucher := &mockToucher{markTouchFn: func(context.Context, string) (*model.UserSearch, error) {
		return nil, errors.New("queue down")
	}}
	stories := &mockStoryQuerier{ids: []string{"s1"}}
	h := NewSearchHandler(toucher, stories, &mockSubscriptionLister{feedIDs: []string{"f1"}}, itemsByID("s1"), logger)

	w := httptest.NewRecorder()
	h.SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?q=x", ""))

	if w.Code != http.StatusOK || len(stories.calls) != 1 {
		t.Fatalf("status=%d calls=%d", w.Code, len(stories.calls))
	}
	if !strings.Contains(buf.String(), "search_touch_failed") {
		t.Error("状態更新の失敗がログに記録されていない")
	}
}

func TestSearchStories_Validation(t *testing.T) {
	tests := []struct {
		name  string
		query string
		code  string
	}{
		{"検索語なし", "", model.ErrCodeEmptyQuery},
		{"不正な並び順", "q=x&order=popular", model.ErrCodeInvalidOrder},
		{"負のoffset", "q=x&offset=-1", model.ErrCodeInvalidPagination},
		{"数値でないlimit", "q=x&limit=ten", model.ErrCodeInvalidPagination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := newTestLogger()
			toucher := &mockToucher{}
			h := NewSearchHandler(toucher, &mockStoryQuerier{}, &mockSubscriptionLister{}, itemsByID(), logger)

			w := httptest.NewRecorder()
			h.SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?"+tt.query, ""))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if body := decodeError(t, w); body.Code != tt.code {
				t.Errorf("code = %q, want %q", body.Code, tt.code)
			}
			if len(toucher.touched) != 0 {
				t.Error("不正なリクエストで検索状態が更新された")
			}
		})
	}
}

func TestSearchStories_Errors(t *testing.T) {
	logger, buf := newTestLogger()

	w := httptest.NewRecorder()
	NewSearchHandler(&mockToucher{}, &mockStoryQuerier{}, &mockSubscriptionLister{}, itemsByID(), logger).
		SearchStories(w, httptest.NewRequest(http.MethodGet, "/api/search/stories?q=x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("未認証: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	NewSearchHandler(&mockToucher{}, &mockStoryQuerier{ids: []string{"s1"}}, &mockSubscriptionLister{feedIDs: []string{"f1"}}, &mockItemFinder{err: errors.New("db down")}, logger).
		SearchStories(w, authedRequest(http.MethodGet, "/api/search/stories?q=x", ""))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("記事取得失敗: status = %d", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeInternal || strings.Contains(body.Message, "db down") {
		t.Errorf("内部エラーの詳細がレスポンスに含まれている: %+v", body)
	}
	if !strings.Contains(buf.String(), "db down") {
		t.Error("内部エラーがログに記録されていない")
	}
}

// --- DiscoverHandler ---

func TestDiscoverFeeds(t *testing.T) {
	logger, _ := newTestLogger()
	finder := &mockFeedFinder{docs: []search.FeedDocument{{FeedID: "f1", Title: "Go Blog", NumSubscribers: 42}}}

	w := httptest.NewRecorder()
	NewDiscoverHandler(finder, logger).DiscoverFeeds(w, httptest.NewRequest(http.MethodGet, "/api/feeds/discover?q=go&max=500", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if finder.gotText != "go" || finder.gotMax != maxDiscoverFeeds {
		t.Errorf("FindFeeds(%q, %d)", finder.gotText, finder.gotMax)
	}
	var resp struct {
		Feeds []map[string]any `json:"feeds"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Feeds) != 1 || resp.Feeds[0]["feed_id"] != "f1" || resp.Feeds[0]["num_subscribers"] != float64(42) {
		t.Errorf("feeds = %v", resp.Feeds)
	}
}

func TestDiscoverFeeds_EmptyResultAndValidation(t *testing.T) {
	logger, _ := newTestLogger()
	h := NewDiscoverHandler(&mockFeedFinder{}, logger)

	w := httptest.NewRecorder()
	h.DiscoverFeeds(w, httptest.NewRequest(http.MethodGet, "/api/feeds/discover?q=none", nil))
	if !strings.Contains(w.Body.String(), `"feeds":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	h.DiscoverFeeds(w, httptest.NewRequest(http.MethodGet, "/api/feeds/discover", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("検索語なし: status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.DiscoverFeeds(w, httptest.NewRequest(http.MethodGet, "/api/feeds/discover?q=x&max=-2", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("負のmax: status = %d", w.Code)
	}
}

// --- ReindexHandler ---

func TestReindexFeeds(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		reindex  *mockReindexer
		status   int
		accepted bool
		code     string
	}{
		{"受理", `{"feed_ids":["f1","f2"]}`, &mockReindexer{accepted: true}, http.StatusAccepted, true, ""},
		{"破棄", `{"feed_ids":["f1"]}`, &mockReindexer{accepted: false}, http.StatusAccepted, false, ""},
		{"不正なJSON", `{"feed_ids":`, &mockReindexer{}, http.StatusBadRequest, false, model.ErrCodeInvalidBody},
		{"フィードなし", `{"feed_ids":[]}`, &mockReindexer{}, http.StatusBadRequest, false, model.ErrCodeNoFeedsSpecified},
		{"投入失敗", `{"feed_ids":["f1"]}`, &mockReindexer{err: errors.New("queue down")}, http.StatusInternalServerError, false, model.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := newTestLogger()
			w := httptest.NewRecorder()
			NewReindexHandler(tt.reindex, logger).ReindexFeeds(w, authedRequest(http.MethodPost, "/api/search/feeds/reindex", tt.body))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.code != "" {
				if body := decodeError(t, w); body.Code != tt.code {
					t.Errorf("code = %q, want %q", body.Code, tt.code)
				}
				return
			}
			var resp reindexResponse
			json.NewDecoder(w.Body).Decode(&resp)
			if resp.Accepted != tt.accepted {
				t.Errorf("accepted = %v, want %v", resp.Accepted, tt.accepted)
			}
			if tt.reindex.gotUser != "u1" {
				t.Errorf("userID = %q", tt.reindex.gotUser)
			}
		})
	}
}

// --- HealthHandler ---

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }
func (f pingFunc) Health(ctx context.Context) error      { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("down") })

	tests := []struct {
		name    string
		db      HealthChecker
		backend BackendHealthChecker
		status  int
		want    healthResponse
	}{
		{"正常", ok, ok, http.StatusOK, healthResponse{"ok", "ok", "ok"}},
		{"検索バックエンド障害", ok, down, http.StatusOK, healthResponse{"degraded", "ok", "unavailable"}},
		{"DB障害", down, ok, http.StatusServiceUnavailable, healthResponse{"unavailable", "unavailable", "ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := newTestLogger()
			w := httptest.NewRecorder()
			NewHealthHandler(tt.db, tt.backend, logger)(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			var got healthResponse
			json.NewDecoder(w.Body).Decode(&got)
			if got != tt.want {
				t.Errorf("body = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// --- EventsHandler ---

func TestStreamEvents_RelaysUserChannel(t *testing.T) {
	logger, _ := newTestLogger()
	broker := notify.NewMemoryBroker(logger)
	h := NewEventsHandler(broker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		h.StreamEvents(w, r.WithContext(middleware.ContextWithUserID(r.Context(), "u1")))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("接続に失敗: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); line != ": connected\n" {
		t.Fatalf("最初の行 = %q", line)
	}
	reader.ReadString('\n')

	// 接続済みの通知が届いてから発行する
	broker.Publish(ctx, notify.ChannelKey("other"), "search_index_complete:start")
	broker.Publish(ctx, notify.ChannelKey("u1"), "search_index_complete:done")

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("読み込みに失敗: %v", err)
	}
	if line != "data: search_index_complete:done\n" {
		t.Errorf("イベント = %q", line)
	}
}

func TestStreamEvents_RequiresUser(t *testing.T) {
	logger, _ := newTestLogger()
	w := httptest.NewRecorder()
	NewEventsHandler(notify.NewMemoryBroker(logger), logger).StreamEvents(w, httptest.NewRequest(http.MethodGet, "/api/search/events", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}
