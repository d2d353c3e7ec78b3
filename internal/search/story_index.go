package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/searchbackend"
	"github.com/hitoshi/feedsearch/internal/security"
)

// DefaultFeedCap は1回の検索で絞り込みに使うフィードIDの上限。
const DefaultFeedCap = 2000

// unsafeQueryChars はサニタイズ時に空白へ置き換える文字の並び。
var unsafeQueryChars = regexp.MustCompile(`[^\s\p{L}\p{N}_\-]+`)

// SanitizeQuery は英数字・空白・アンダースコア・ハイフン以外の文字の並びを空白に置き換える。
func SanitizeQuery(text string) string {
	return unsafeQueryChars.ReplaceAllString(text, " ")
}

// StoryDocument はコンテンツ検索インデックスに登録する記事。
type StoryDocument struct {
	ID      string
	FeedID  string
	Title   string
	Content string // HTML可
	Tags    []string
	Author  string
	Date    time.Time
}

// StoryDocumentFromItem は記事からStoryDocumentを生成する。
func StoryDocumentFromItem(item *model.Item) StoryDocument {
	return StoryDocument{
		ID:      item.ID,
		FeedID:  item.FeedID,
		Title:   item.Title,
		Content: item.Content,
		Tags:    item.Tags,
		Author:  item.Author,
		Date:    item.Date(),
	}
}

// StoryMapping はコンテンツ検索インデックスのマッピングを返す。
// どのフィールドも格納しない。title・content・tags・authorは複合フィールド_allにも入る。
func StoryMapping() *mapping.IndexMappingImpl {
	text := func(analyzer string) *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = analyzer
		fm.Store = false
		return fm
	}

	feedID := bleve.NewKeywordFieldMapping()
	feedID.Store = false
	feedID.IncludeInAll = false

	date := bleve.NewDateTimeFieldMapping()
	date.Store = false
	date.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	doc.AddFieldMappingsAt("title", text(standard.Name))
	doc.AddFieldMappingsAt("content", text(simple.Name))
	doc.AddFieldMappingsAt("tags", text(simple.Name))
	doc.AddFieldMappingsAt("author", text(simple.Name))
	doc.AddFieldMappingsAt("feed_id", feedID)
	doc.AddFieldMappingsAt("date", date)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

// StoryIndex はコンテンツ検索インデックスのクライアント。
type StoryIndex struct {
	backend   Backend
	index     string
	feedCap   int
	extractor security.TextExtractor
	metrics   metrics.MetricsCollector
	logger    *slog.Logger

	mu          sync.Mutex
	schemaReady bool
}

// NewStoryIndex はStoryIndexを生成する。feedCapが0以下の場合はDefaultFeedCapを使う。
func NewStoryIndex(backend Backend, index string, feedCap int, collector metrics.MetricsCollector, logger *slog.Logger) *StoryIndex {
	if feedCap <= 0 {
		feedCap = DefaultFeedCap
	}
	if collector == nil {
		collector = metrics.Discard
	}
	return &StoryIndex{
		backend:   backend,
		index:     index,
		feedCap:   feedCap,
		extractor: security.NewTextExtractor(),
		metrics:   collector,
		logger:    logger,
	}
}

// Name はインデックス名を返す。
func (s *StoryIndex) Name() string {
	return s.index
}

// EnsureSchema はインデックスが無ければ作成する。既に存在する場合は成功とする。
// forceの場合は削除してから作成し直す。作成済みであることは記憶し、以降は問い合わせない。
func (s *StoryIndex) EnsureSchema(ctx context.Context, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		if err := s.backend.DeleteIndex(ctx, s.index); err != nil && !errors.Is(err, searchbackend.ErrIndexNotFound) {
			return fmt.Errorf("コンテンツ検索インデックスの削除に失敗しました: %w", err)
		}
		s.schemaReady = false
	}
	if s.schemaReady {
		return nil
	}

	err := s.backend.CreateIndex(ctx, s.index, StoryMapping())
	if err != nil && !errors.Is(err, searchbackend.ErrIndexExists) {
		return fmt.Errorf("コンテンツ検索インデックスの作成に失敗しました: %w", err)
	}
	if err == nil {
		s.logger.Info("story_index_created", slog.String("index", s.index))
	}
	s.schemaReady = true
	return nil
}

// DropIndex はインデックスを削除する。存在しない場合も成功とする。
func (s *StoryIndex) DropIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DeleteIndex(ctx, s.index); err != nil && !errors.Is(err, searchbackend.ErrIndexNotFound) {
		return fmt.Errorf("コンテンツ検索インデックスの削除に失敗しました: %w", err)
	}
	s.schemaReady = false
	s.logger.Info("story_index_dropped", slog.String("index", s.index))
	return nil
}

// IndexDocument は記事を登録または更新する。
// バックエンドの障害はログに残し、呼び出し元には返さない。
func (s *StoryIndex) IndexDocument(ctx context.Context, doc StoryDocument) {
	if err := s.backend.IndexDocument(ctx, s.index, doc.ID, s.toDocument(doc)); err != nil {
		s.writeFailed("index_document", err, slog.String("story_id", doc.ID))
		return
	}
	s.metrics.RecordDocumentsIndexed(s.index, 1)
}

// IndexDocuments は複数の記事を一括登録し、登録件数を返す。
// バックエンドの障害はログに残し、0件として扱う。
func (s *StoryIndex) IndexDocuments(ctx context.Context, docs []StoryDocument) int {
	if len(docs) == 0 {
		return 0
	}
	bulk := make([]searchbackend.BulkDoc, 0, len(docs))
	for _, d := range docs {
		bulk = append(bulk, searchbackend.BulkDoc{ID: d.ID, Doc: s.toDocument(d)})
	}
	n, err := s.backend.Bulk(ctx, s.index, bulk)
	if err != nil {
		s.writeFailed("index_documents", err, slog.Int("count", len(docs)))
		return 0
	}
	s.metrics.RecordDocumentsIndexed(s.index, n)
	return n
}

// RemoveDocument は記事を削除する。バックエンドの障害はログに残し、呼び出し元には返さない。
func (s *StoryIndex) RemoveDocument(ctx context.Context, storyID string) {
	if err := s.backend.DeleteDocument(ctx, s.index, storyID); err != nil {
		s.writeFailed("remove_document", err, slog.String("story_id", storyID))
	}
}

// Query は指定フィードの記事から検索し、記事IDを返す。
// フィードIDは重複を除いて先頭からfeedCap件までを使う。フィードが空の場合は検索しない。
// バックエンドに到達できない場合やクエリが拒否された場合は空の結果を返す。
func (s *StoryIndex) Query(ctx context.Context, feedIDs []string, text string, order Order, offset, limit int, sanitize bool) []string {
	return s.search(ctx, feedIDs, true, text, order, offset, limit, sanitize).IDs
}

// GlobalQuery はフィードで絞り込まずに全記事から検索し、記事IDを返す。
func (s *StoryIndex) GlobalQuery(ctx context.Context, text string, order Order, offset, limit int, sanitize bool) []string {
	return s.search(ctx, nil, false, text, order, offset, limit, sanitize).IDs
}

func (s *StoryIndex) search(ctx context.Context, feedIDs []string, restrict bool, text string, order Order, offset, limit int, sanitize bool) Result {
	if restrict {
		feedIDs = capFeedIDs(feedIDs, s.feedCap)
		if len(feedIDs) == 0 {
			return Result{Outcome: OutcomeOK}
		}
	}
	if sanitize {
		text = SanitizeQuery(text)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Outcome: OutcomeOK}
	}

	req := &searchbackend.SearchRequest{
		Query: searchbackend.Query{QueryString: &searchbackend.QueryStringQuery{
			Query:           text,
			DefaultOperator: "AND",
		}},
		Sort: []string{order.sortKey()},
		From: offset,
		Size: limit,
	}
	if restrict {
		req.Filter = &searchbackend.Filter{Terms: &searchbackend.TermsFilter{Field: "feed_id", Values: feedIDs}}
	}

	start := time.Now()
	resp, err := s.backend.Search(ctx, s.index, req)
	outcome := classify(err)
	s.metrics.RecordSearchQuery(s.index, outcome.String(), time.Since(start))
	if err != nil {
		s.logger.Warn("story_query_failed",
			slog.String("index", s.index),
			slog.String("outcome", outcome.String()),
			slog.String("query", text),
			slog.Int("feeds", len(feedIDs)),
			slog.String("error", err.Error()),
		)
		return Result{Outcome: outcome}
	}

	ids := make([]string, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		ids = append(ids, h.ID)
	}
	return Result{Outcome: OutcomeOK, IDs: ids}
}

func (s *StoryIndex) toDocument(d StoryDocument) searchbackend.Document {
	doc := searchbackend.Document{
		"title":   d.Title,
		"content": s.extractor.Extract(d.Content),
		"tags":    strings.Join(d.Tags, ", "),
		"author":  d.Author,
		"feed_id": d.FeedID,
	}
	if !d.Date.IsZero() {
		doc["date"] = d.Date.UTC().Format(time.RFC3339)
	}
	return doc
}

func (s *StoryIndex) writeFailed(op string, err error, attrs ...any) {
	s.metrics.RecordIndexWriteFailure(s.index)
	args := append([]any{
		slog.String("index", s.index),
		slog.String("op", op),
		slog.String("error", err.Error()),
	}, attrs...)
	s.logger.Warn("story_index_write_skipped", args...)
}

// capFeedIDs は順序を保って重複を除き、先頭からlimit件を返す。
func capFeedIDs(ids []string, limit int) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, min(len(ids), limit))
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
