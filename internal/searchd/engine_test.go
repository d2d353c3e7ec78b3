package searchd

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/hitoshi/feedsearch/internal/searchbackend"
)

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, nil)), &buf
}

func testMapping() *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = "standard"
	title.Store = true
	doc.AddFieldMappingsAt("title", title)

	feedID := bleve.NewKeywordFieldMapping()
	feedID.IncludeInAll = false
	doc.AddFieldMappingsAt("feed_id", feedID)

	rank := bleve.NewNumericFieldMapping()
	rank.IncludeInAll = false
	doc.AddFieldMappingsAt("rank", rank)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger, _ := testLogger()
	e, err := NewEngine("", logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	if err := e.Create("docs", testMapping()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func seed(t *testing.T, e *Engine) {
	t.Helper()
	n, err := e.Bulk("docs", []searchbackend.BulkDoc{
		{ID: "1", Doc: searchbackend.Document{"title": "go programming", "feed_id": "f1", "rank": 1}},
		{ID: "2", Doc: searchbackend.Document{"title": "go tutorial", "feed_id": "f2", "rank": 3}},
		{ID: "3", Doc: searchbackend.Document{"title": "rust programming", "feed_id": "f1", "rank": 2}},
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if n != 3 {
		t.Fatalf("Bulk indexed = %d, want 3", n)
	}
}

func hitIDs(resp *searchbackend.SearchResponse) []string {
	ids := make([]string, len(resp.Hits))
	for i, h := range resp.Hits {
		ids[i] = h.ID
	}
	return ids
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	m := make(map[string]int)
	for _, v := range a {
		m[v]++
	}
	for _, v := range b {
		m[v]--
	}
	for _, c := range m {
		if c != 0 {
			return false
		}
	}
	return true
}

func TestEngine_CreateTwiceFails(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Create("docs", testMapping()); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
	if !e.Exists("docs") {
		t.Error("docs should exist")
	}
}

func TestEngine_CreateRejectsBadName(t *testing.T) {
	logger, _ := testLogger()
	e, _ := NewEngine("", logger)
	defer e.Close()
	for _, name := range []string{"", "_all", "Upper", "a/b"} {
		if err := e.Create(name, testMapping()); !errors.Is(err, ErrBadName) {
			t.Errorf("Create(%q) err = %v, want ErrBadName", name, err)
		}
	}
}

func TestEngine_DeleteMissing(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Delete("missing"); !errors.Is(err, ErrNoSuchIndex) {
		t.Errorf("err = %v, want ErrNoSuchIndex", err)
	}
	if err := e.Delete("docs"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if e.Exists("docs") {
		t.Error("docs should be deleted")
	}
}

func TestEngine_QueryStringDefaultOperator(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e)
	ctx := context.Background()

	resp, err := e.Search(ctx, "docs", &searchbackend.SearchRequest{
		Query: searchbackend.Query{QueryString: &searchbackend.QueryStringQuery{Query: "go programming", DefaultOperator: "AND"}},
	})
	if err != nil {
		t.Fatalf("Search AND: %v", err)
	}
	if got := hitIDs(resp); !sameSet(got, []string{"1"}) {
		t.Errorf("AND hits = %v, want [1]", got)
	}

	resp, err = e.Search(ctx, "docs", &searchbackend.SearchRequest{
		Query: searchbackend.Query{QueryString: &searchbackend.QueryStringQuery{Query: "go programming"}},
	})
	if err != nil {
		t.Fatalf("Search OR: %v", err)
	}
	if got := hitIDs(resp); !sameSet(got, []string{"1", "2", "3"}) {
		t.Errorf("OR hits = %v, want [1 2 3]", got)
	}
}

func TestEngine_QueryStringRejectsUnknownOperator(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Search(context.Background(), "docs", &searchbackend.SearchRequest{
		Query: searchbackend.Query{QueryString: &searchbackend.QueryStringQuery{Query: "go", DefaultOperator: "XOR"}},
	})
	if !errors.Is(err, ErrBadQuery) {
		t.Errorf("err = %v, want ErrBadQuery", err)
	}
}

func TestEngine_MissingQueryIsBad(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Search(context.Background(), "docs", &searchbackend.SearchRequest{})
	if !errors.Is(err, ErrBadQuery) {
		t.Errorf("err = %v, want ErrBadQuery", err)
	}
}

func TestEngine_TermsFilterAndSort(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e)

	resp, err := e.Search(context.Background(), "docs", &searchbackend.SearchRequest{
		Query:  searchbackend.Query{MatchAll: &searchbackend.MatchAllQuery{}},
		Filter: &searchbackend.Filter{Terms: &searchbackend.TermsFilter{Field: "feed_id", Values: []string{"f1"}}},
		Sort:   []string{"-rank"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := hitIDs(resp)
	if len(got) != 2 || got[0] != "3" || got[1] != "1" {
		t.Errorf("hits = %v, want [3 1]", got)
	}

	resp, err = e.Search(context.Background(), "docs", &searchbackend.SearchRequest{
		Query:  searchbackend.Query{MatchAll: &searchbackend.MatchAllQuery{}},
		Filter: &searchbackend.Filter{Terms: &searchbackend.TermsFilter{Field: "feed_id", Values: nil}},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Errorf("empty terms filter should match nothing, got %v", hitIDs(resp))
	}
}

func TestEngine_FromAndSize(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e)

	resp, err := e.Search(context.Background(), "docs", &searchbackend.SearchRequest{
		Query: searchbackend.Query{MatchAll: &searchbackend.MatchAllQuery{}},
		Sort:  []string{"rank"},
		From:  1,
		Size:  1,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := hitIDs(resp); len(got) != 1 || got[0] != "3" {
		t.Errorf("hits = %v, want [3]", got)
	}
	if resp.Total != 3 {
		t.Errorf("Total = %d, want 3", resp.Total)
	}
}

func TestEngine_MultiMatchMinimumShouldMatch(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Bulk("docs", []searchbackend.BulkDoc{
		{ID: "three", Doc: searchbackend.Document{"title": "alpha beta gamma"}},
		{ID: "two", Doc: searchbackend.Document{"title": "alpha beta"}},
		{ID: "none", Doc: searchbackend.Document{"title": "omega"}},
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}

	resp, err := e.Search(context.Background(), "docs", &searchbackend.SearchRequest{
		Query: searchbackend.Query{MultiMatch: &searchbackend.MultiMatchQuery{
			Query:              "alpha beta gamma delta",
			Fields:             []string{"title"},
			Analyzer:           "standard",
			MinimumShouldMatch: "75%",
		}},
		Fields: []string{"title"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := hitIDs(resp)
	if len(got) != 1 || got[0] != "three" {
		t.Fatalf("hits = %v, want [three]", got)
	}
	if resp.Hits[0].Fields["title"] != "alpha beta gamma" {
		t.Errorf("stored title = %v", resp.Hits[0].Fields["title"])
	}
}

// 語はフィールドごとに数える。フィールドをまたいで75%に達しても一致しない。
func TestEngine_MultiMatchCountsTermsPerField(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Bulk("docs", []searchbackend.BulkDoc{
		{ID: "split", Doc: searchbackend.Document{"title": "alpha beta", "address": "gamma"}},
		{ID: "title", Doc: searchbackend.Document{"title": "alpha beta gamma", "address": "omega"}},
		{ID: "address", Doc: searchbackend.Document{"title": "omega", "address": "beta gamma delta"}},
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}

	resp, err := e.Search(context.Background(), "docs", &searchbackend.SearchRequest{
		Query: searchbackend.Query{MultiMatch: &searchbackend.MultiMatchQuery{
			Query:              "alpha beta gamma delta",
			Fields:             []string{"title", "address"},
			Analyzer:           "standard",
			MinimumShouldMatch: "75%",
		}},
		Sort: []string{"_id"},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	got := strings.Join(hitIDs(resp), ",")
	if got != "address,title" {
		t.Errorf("hits = %v, want address,title", got)
	}
}

func TestMinimumShouldMatch(t *testing.T) {
	tests := []struct {
		value string
		n     int
		want  int
	}{
		{"75%", 1, 1},
		{"75%", 2, 1},
		{"75%", 3, 2},
		{"75%", 4, 3},
		{"75%", 5, 3},
		{"", 4, 1},
		{"2", 4, 2},
		{"9", 4, 4},
	}
	for _, tt := range tests {
		got, err := minimumShouldMatch(tt.value, tt.n)
		if err != nil {
			t.Fatalf("minimumShouldMatch(%q, %d): %v", tt.value, tt.n, err)
		}
		if got != tt.want {
			t.Errorf("minimumShouldMatch(%q, %d) = %d, want %d", tt.value, tt.n, got, tt.want)
		}
	}
	if _, err := minimumShouldMatch("x%", 3); err == nil {
		t.Error("invalid percentage should fail")
	}
}

func TestEngine_ClosedIndexRejectsReadsAndWrites(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CloseIndex("docs"); err != nil {
		t.Fatalf("CloseIndex: %v", err)
	}

	if err := e.IndexDocument("docs", "1", searchbackend.Document{"title": "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("IndexDocument err = %v, want ErrClosed", err)
	}
	if _, err := e.Bulk("docs", []searchbackend.BulkDoc{{ID: "1"}}); !errors.Is(err, ErrClosed) {
		t.Errorf("Bulk err = %v, want ErrClosed", err)
	}
	if _, err := e.Count("docs"); !errors.Is(err, ErrClosed) {
		t.Errorf("Count err = %v, want ErrClosed", err)
	}

	if err := e.OpenIndex("docs"); err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	if err := e.IndexDocument("docs", "1", searchbackend.Document{"title": "x"}); err != nil {
		t.Errorf("IndexDocument after open: %v", err)
	}
}

func TestEngine_PutMapping(t *testing.T) {
	e := newTestEngine(t)
	seed(t, e)

	if err := e.PutMapping("docs", testMapping()); !errors.Is(err, ErrOpen) {
		t.Fatalf("PutMapping on open index err = %v, want ErrOpen", err)
	}

	e.CloseIndex("docs")
	if err := e.PutMapping("docs", testMapping()); err != nil {
		t.Fatalf("PutMapping same: %v", err)
	}
	e.OpenIndex("docs")
	if n, _ := e.Count("docs"); n != 3 {
		t.Errorf("same mapping should keep documents, count = %d", n)
	}

	changed := testMapping()
	changed.DefaultAnalyzer = "simple"
	e.CloseIndex("docs")
	if err := e.PutMapping("docs", changed); err != nil {
		t.Fatalf("PutMapping changed: %v", err)
	}
	e.OpenIndex("docs")
	if n, _ := e.Count("docs"); n != 0 {
		t.Errorf("changed mapping should recreate empty index, count = %d", n)
	}
}

func TestEngine_DiskPersistenceAndLock(t *testing.T) {
	dir := t.TempDir()
	logger, _ := testLogger()

	e, err := NewEngine(dir, logger)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := e.Create("docs", testMapping()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.IndexDocument("docs", "1", searchbackend.Document{"title": "persisted"}); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	if _, err := NewEngine(dir, logger); !errors.Is(err, ErrLocked) {
		t.Errorf("second engine err = %v, want ErrLocked", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewEngine(dir, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if names := reopened.Names(); len(names) != 1 || names[0] != "docs" {
		t.Fatalf("Names = %v, want [docs]", names)
	}
	if n, err := reopened.Count("docs"); err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1", n, err)
	}
}
