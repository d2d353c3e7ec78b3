package search

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/feedsearch/internal/searchbackend"
	"github.com/hitoshi/feedsearch/internal/searchd"
)

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

// newLiveBackend はメモリ上のsearchdを起動し、そこへ接続するクライアントを返す。
func newLiveBackend(t *testing.T) *searchbackend.Client {
	t.Helper()
	logger, _ := testLogger()
	engine, err := searchd.NewEngine("", logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	srv := httptest.NewServer(searchd.NewServer(engine, logger).Router())
	t.Cleanup(func() {
		srv.Close()
		engine.Close()
	})
	return searchbackend.NewClient(srv.URL)
}

// unreachableBackend は接続できないアドレスを指すクライアントを返す。
func unreachableBackend(t *testing.T) *searchbackend.Client {
	t.Helper()
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()
	return searchbackend.NewClient(url)
}

// mockBackend は関数フィールドで振る舞いを差し替えるBackend。
// 未設定の操作は成功として扱う。
type mockBackend struct {
	createIndexFn    func(ctx context.Context, index string, mapping any) error
	deleteIndexFn    func(ctx context.Context, index string) error
	closeIndexFn     func(ctx context.Context, index string) error
	openIndexFn      func(ctx context.Context, index string) error
	putMappingFn     func(ctx context.Context, index string, mapping any) error
	indexDocumentFn  func(ctx context.Context, index, id string, doc searchbackend.Document) error
	deleteDocumentFn func(ctx context.Context, index, id string) error
	bulkFn           func(ctx context.Context, index string, docs []searchbackend.BulkDoc) (int, error)
	searchFn         func(ctx context.Context, index string, req *searchbackend.SearchRequest) (*searchbackend.SearchResponse, error)
	countFn          func(ctx context.Context, index string) (uint64, error)

	calls []string
}

func (m *mockBackend) Count(ctx context.Context, index string) (uint64, error) {
	m.calls = append(m.calls, "count")
	if m.countFn != nil {
		return m.countFn(ctx, index)
	}
	return 0, nil
}

func (m *mockBackend) CreateIndex(ctx context.Context, index string, mapping any) error {
	m.calls = append(m.calls, "create")
	if m.createIndexFn != nil {
		return m.createIndexFn(ctx, index, mapping)
	}
	return nil
}

func (m *mockBackend) DeleteIndex(ctx context.Context, index string) error {
	m.calls = append(m.calls, "delete")
	if m.deleteIndexFn != nil {
		return m.deleteIndexFn(ctx, index)
	}
	return nil
}

func (m *mockBackend) CloseIndex(ctx context.Context, index string) error {
	m.calls = append(m.calls, "close")
	if m.closeIndexFn != nil {
		return m.closeIndexFn(ctx, index)
	}
	return nil
}

func (m *mockBackend) OpenIndex(ctx context.Context, index string) error {
	m.calls = append(m.calls, "open")
	if m.openIndexFn != nil {
		return m.openIndexFn(ctx, index)
	}
	return nil
}

func (m *mockBackend) PutMapping(ctx context.Context, index string, mapping any) error {
	m.calls = append(m.calls, "put_mapping")
	if m.putMappingFn != nil {
		return m.putMappingFn(ctx, index, mapping)
	}
	return nil
}

func (m *mockBackend) IndexDocument(ctx context.Context, index, id string, doc searchbackend.Document) error {
	m.calls = append(m.calls, "index")
	if m.indexDocumentFn != nil {
		return m.indexDocumentFn(ctx, index, id, doc)
	}
	return nil
}

func (m *mockBackend) DeleteDocument(ctx context.Context, index, id string) error {
	m.calls = append(m.calls, "delete_doc")
	if m.deleteDocumentFn != nil {
		return m.deleteDocumentFn(ctx, index, id)
	}
	return nil
}

func (m *mockBackend) Bulk(ctx context.Context, index string, docs []searchbackend.BulkDoc) (int, error) {
	m.calls = append(m.calls, "bulk")
	if m.bulkFn != nil {
		return m.bulkFn(ctx, index, docs)
	}
	return len(docs), nil
}

func (m *mockBackend) Search(ctx context.Context, index string, req *searchbackend.SearchRequest) (*searchbackend.SearchResponse, error) {
	m.calls = append(m.calls, "search")
	if m.searchFn != nil {
		return m.searchFn(ctx, index, req)
	}
	return &searchbackend.SearchResponse{}, nil
}

var _ Backend = (*mockBackend)(nil)
