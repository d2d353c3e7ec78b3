package indexing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/search"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// --- UserSearchRepository ---

// memUserSearchRepo はメモリ上のUserSearchRepository実装。
type memUserSearchRepo struct {
	mu         sync.Mutex
	records    map[string]model.UserSearch
	saveErr    error
	resetSince time.Time
}

func newMemUserSearchRepo() *memUserSearchRepo {
	return &memUserSearchRepo{records: make(map[string]model.UserSearch)}
}

func (r *memUserSearchRepo) FindByUserID(_ context.Context, userID string) (*model.UserSearch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	us, ok := r.records[userID]
	if !ok {
		return nil, nil
	}
	return &us, nil
}

func (r *memUserSearchRepo) Create(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[userID]; !ok {
		r.records[userID] = model.UserSearch{UserID: userID}
	}
	return nil
}

func (r *memUserSearchRepo) Save(_ context.Context, us *model.UserSearch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.records[us.UserID] = *us
	return nil
}

func (r *memUserSearchRepo) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, userID)
	return nil
}

func (r *memUserSearchRepo) ListUserIDs(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *memUserSearchRepo) ResetStuckIndexing(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetSince = before
	var n int64
	for id, us := range r.records {
		if !us.SubscriptionsIndexing || us.IndexingStartedAt == nil || !us.IndexingStartedAt.Before(before) {
			continue
		}
		us.SubscriptionsIndexing = false
		us.IndexingStartedAt = nil
		r.records[id] = us
		n++
	}
	return n, nil
}

func (r *memUserSearchRepo) get(userID string) model.UserSearch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[userID]
}

// --- SubscriptionRepository ---

type mockSubscriptionRepo struct {
	listByUserIDFunc  func(ctx context.Context, userID string) ([]*model.Subscription, error)
	countByUserIDFunc func(ctx context.Context, userID string) (int, error)
}

func (m *mockSubscriptionRepo) ListByUserID(ctx context.Context, userID string) ([]*model.Subscription, error) {
	if m.listByUserIDFunc != nil {
		return m.listByUserIDFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockSubscriptionRepo) CountByUserID(ctx context.Context, userID string) (int, error) {
	if m.countByUserIDFunc != nil {
		return m.countByUserIDFunc(ctx, userID)
	}
	return 0, nil
}

func subscriptionsTo(userID string, feedIDs ...string) *mockSubscriptionRepo {
	return &mockSubscriptionRepo{
		listByUserIDFunc: func(_ context.Context, uid string) ([]*model.Subscription, error) {
			if uid != userID {
				return nil, nil
			}
			subs := make([]*model.Subscription, 0, len(feedIDs))
			for i, id := range feedIDs {
				subs = append(subs, &model.Subscription{ID: fmt.Sprintf("s%d", i), UserID: uid, FeedID: id})
			}
			return subs, nil
		},
		countByUserIDFunc: func(_ context.Context, uid string) (int, error) {
			if uid != userID {
				return 0, nil
			}
			return len(feedIDs), nil
		},
	}
}

// --- FeedRepository ---

// memFeedRepo は存在するフィードの集合を保持するFeedRepository実装。
type memFeedRepo struct {
	mu           sync.Mutex
	feeds        map[string]*model.Feed
	directory    []*model.DirectoryFeed
	indexedCalls [][]string
	setErr       error
	findErr      map[string]error
}

func newMemFeedRepo(ids ...string) *memFeedRepo {
	r := &memFeedRepo{feeds: make(map[string]*model.Feed), findErr: make(map[string]error)}
	for _, id := range ids {
		r.feeds[id] = &model.Feed{ID: id, Title: "feed " + id}
	}
	return r
}

func (r *memFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.findErr[id]; err != nil {
		return nil, err
	}
	f, ok := r.feeds[id]
	if !ok {
		return nil, nil
	}
	return f, nil
}

func (r *memFeedRepo) FindByIDs(_ context.Context, ids []string) ([]*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Feed
	for _, id := range ids {
		if f, ok := r.feeds[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *memFeedRepo) SetSearchIndexed(_ context.Context, ids []string, indexed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return r.setErr
	}
	r.indexedCalls = append(r.indexedCalls, append([]string(nil), ids...))
	for _, id := range ids {
		if f, ok := r.feeds[id]; ok {
			f.SearchIndexed = indexed
		}
	}
	return nil
}

func (r *memFeedRepo) ListForDiscovery(_ context.Context, minSubscribers int) ([]*model.DirectoryFeed, error) {
	var out []*model.DirectoryFeed
	for _, f := range r.directory {
		if f.NumSubscribers >= minSubscribers {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *memFeedRepo) indexed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[id]
	return ok && f.SearchIndexed
}

// --- ItemRepository ---

type mockItemRepo struct {
	listByFeedIDFunc func(ctx context.Context, feedID string, limit, offset int) ([]*model.Item, error)
	findByIDsFunc    func(ctx context.Context, ids []string) ([]*model.Item, error)
}

func (m *mockItemRepo) ListByFeedID(ctx context.Context, feedID string, limit, offset int) ([]*model.Item, error) {
	if m.listByFeedIDFunc != nil {
		return m.listByFeedIDFunc(ctx, feedID, limit, offset)
	}
	return nil, nil
}

func (m *mockItemRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Item, error) {
	if m.findByIDsFunc != nil {
		return m.findByIDsFunc(ctx, ids)
	}
	return nil, nil
}

// itemsPerFeed はフィードごとにn件の記事を返すItemRepositoryを生成する。
func itemsPerFeed(n int) *mockItemRepo {
	return &mockItemRepo{
		listByFeedIDFunc: func(_ context.Context, feedID string, limit, offset int) ([]*model.Item, error) {
			var items []*model.Item
			for i := offset; i < n && len(items) < limit; i++ {
				items = append(items, &model.Item{
					ID:        fmt.Sprintf("%s-item-%d", feedID, i),
					FeedID:    feedID,
					Title:     fmt.Sprintf("story %d of %s", i, feedID),
					CreatedAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
				})
			}
			return items, nil
		},
	}
}

// --- StoryIndex ---

// fakeStoryIndex は登録されたドキュメントを記録するStoryIndex実装。
type fakeStoryIndex struct {
	mu          sync.Mutex
	docs        map[string]search.StoryDocument
	ensureCalls int
	ensureErr   error
	dropped     bool
	failWrites  bool
	dropEvery   int             // 0以外ならdropEvery件ごとに1件の書き込みを落とす
	dropFeeds   map[string]bool // 指定フィードの記事の書き込みを落とす
}

func newFakeStoryIndex() *fakeStoryIndex {
	return &fakeStoryIndex{docs: make(map[string]search.StoryDocument)}
}

func (f *fakeStoryIndex) EnsureSchema(context.Context, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return f.ensureErr
}

func (f *fakeStoryIndex) IndexDocuments(_ context.Context, docs []search.StoryDocument) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0
	}
	n := 0
	for i, d := range docs {
		if f.dropEvery > 0 && i%f.dropEvery == f.dropEvery-1 {
			continue
		}
		if f.dropFeeds[d.FeedID] {
			continue
		}
		f.docs[d.ID] = d
		n++
	}
	return n
}

func (f *fakeStoryIndex) IndexDocument(_ context.Context, doc search.StoryDocument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failWrites {
		f.docs[doc.ID] = doc
	}
}

func (f *fakeStoryIndex) RemoveDocument(_ context.Context, storyID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, storyID)
}

func (f *fakeStoryIndex) DropIndex(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = true
	return nil
}

func (f *fakeStoryIndex) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

// --- Scheduler ---

type mockScheduler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockScheduler) ScheduleFullIndex(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, userID)
	return nil
}
