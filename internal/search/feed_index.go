package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/letter"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hitoshi/feedsearch/internal/metrics"
	"github.com/hitoshi/feedsearch/internal/searchbackend"
)

const (
	// EdgeNgramAnalyzer はディスカバリー検索インデックスのテキストフィールドに使うアナライザー名。
	EdgeNgramAnalyzer = "edgengram"
	edgeNgramFilter   = "edgengram_1_15"

	// DefaultMaxFeeds はFindFeedsの既定の最大件数。
	DefaultMaxFeeds = 5

	discoveryMinimumShouldMatch = "75%"
)

var feedFields = []string{"feed_id", "title", "address", "link", "num_subscribers"}

// FeedDocument はディスカバリー検索インデックスに登録するフィード。
type FeedDocument struct {
	FeedID         string `json:"feed_id"`
	Title          string `json:"title"`
	Address        string `json:"address"`
	Link           string `json:"link"`
	NumSubscribers int    `json:"num_subscribers"`
}

// FeedMapping はディスカバリー検索インデックスのマッピングを返す。
// title・address・linkは英字のまとまりを小文字化し、先頭1〜15文字の部分文字列に展開する。
func FeedMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomTokenFilter(edgeNgramFilter, map[string]interface{}{
		"type": edgengram.Name,
		"back": false,
		"min":  1.0,
		"max":  15.0,
	})
	if err != nil {
		return nil, fmt.Errorf("edge n-gramフィルタの登録に失敗しました: %w", err)
	}
	err = im.AddCustomAnalyzer(EdgeNgramAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     letter.Name,
		"token_filters": []string{lowercase.Name, edgeNgramFilter},
	})
	if err != nil {
		return nil, fmt.Errorf("edge n-gramアナライザーの登録に失敗しました: %w", err)
	}

	text := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = EdgeNgramAnalyzer
		fm.Store = true
		return fm
	}
	feedID := bleve.NewKeywordFieldMapping()
	feedID.Store = true
	feedID.IncludeInAll = false

	subscribers := bleve.NewNumericFieldMapping()
	subscribers.Store = true
	subscribers.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	doc.AddFieldMappingsAt("title", text())
	doc.AddFieldMappingsAt("address", text())
	doc.AddFieldMappingsAt("link", text())
	doc.AddFieldMappingsAt("feed_id", feedID)
	doc.AddFieldMappingsAt("num_subscribers", subscribers)

	im.DefaultMapping = doc
	im.DefaultAnalyzer = EdgeNgramAnalyzer
	return im, nil
}

// FeedIndex はディスカバリー検索インデックスのクライアント。
// 検索結果は有効期限付きのLRUキャッシュに保持する。
type FeedIndex struct {
	backend Backend
	index   string
	cache   *expirable.LRU[string, []FeedDocument]
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewFeedIndex はFeedIndexを生成する。cacheSizeが0以下の場合はキャッシュしない。
func NewFeedIndex(backend Backend, index string, cacheSize int, cacheTTL time.Duration, collector metrics.MetricsCollector, logger *slog.Logger) *FeedIndex {
	if collector == nil {
		collector = metrics.Discard
	}
	f := &FeedIndex{
		backend: backend,
		index:   index,
		metrics: collector,
		logger:  logger,
	}
	if cacheSize > 0 {
		f.cache = expirable.NewLRU[string, []FeedDocument](cacheSize, nil, cacheTTL)
	}
	return f
}

// Name はインデックス名を返す。
func (f *FeedIndex) Name() string {
	return f.index
}

// EnsureSchema はインデックスを作成する。既に存在する場合はクローズ→マッピング更新→オープンの順で
// 設定を反映する。クローズ中のインデックスは書き込みを受け付けない。
// forceの場合は削除してから作成し直す。
func (f *FeedIndex) EnsureSchema(ctx context.Context, force bool) error {
	im, err := FeedMapping()
	if err != nil {
		return err
	}

	if force {
		if err := f.backend.DeleteIndex(ctx, f.index); err != nil && !errors.Is(err, searchbackend.ErrIndexNotFound) {
			return fmt.Errorf("ディスカバリー検索インデックスの削除に失敗しました: %w", err)
		}
	}

	err = f.backend.CreateIndex(ctx, f.index, im)
	if err == nil {
		f.logger.Info("feed_index_created", slog.String("index", f.index))
		return nil
	}
	if !errors.Is(err, searchbackend.ErrIndexExists) {
		return fmt.Errorf("ディスカバリー検索インデックスの作成に失敗しました: %w", err)
	}

	if err := f.backend.CloseIndex(ctx, f.index); err != nil {
		return fmt.Errorf("ディスカバリー検索インデックスのクローズに失敗しました: %w", err)
	}
	putErr := f.backend.PutMapping(ctx, f.index, im)
	// マッピング更新に失敗してもインデックスはオープンに戻す
	if err := f.backend.OpenIndex(ctx, f.index); err != nil {
		return errors.Join(
			wrapIfNotNil("ディスカバリー検索インデックスのマッピング更新に失敗しました", putErr),
			fmt.Errorf("ディスカバリー検索インデックスのオープンに失敗しました: %w", err),
		)
	}
	if putErr != nil {
		return fmt.Errorf("ディスカバリー検索インデックスのマッピング更新に失敗しました: %w", putErr)
	}
	return nil
}

// IndexFeed はフィードを登録または更新する。バックエンドの障害はログに残し、呼び出し元には返さない。
func (f *FeedIndex) IndexFeed(ctx context.Context, doc FeedDocument) {
	err := f.backend.IndexDocument(ctx, f.index, doc.FeedID, searchbackend.Document{
		"feed_id":         doc.FeedID,
		"title":           doc.Title,
		"address":         doc.Address,
		"link":            doc.Link,
		"num_subscribers": doc.NumSubscribers,
	})
	if err != nil {
		f.metrics.RecordIndexWriteFailure(f.index)
		f.logger.Warn("feed_index_write_skipped",
			slog.String("index", f.index),
			slog.String("feed_id", doc.FeedID),
			slog.String("error", err.Error()),
		)
		return
	}
	f.metrics.RecordDocumentsIndexed(f.index, 1)
}

// DocumentCount は登録済みのフィード数を返す。
func (f *FeedIndex) DocumentCount(ctx context.Context) (uint64, error) {
	n, err := f.backend.Count(ctx, f.index)
	if err != nil {
		return 0, fmt.Errorf("ディスカバリー検索インデックスの件数取得に失敗しました: %w", err)
	}
	return n, nil
}

// FindFeeds はtitle・address・linkのいずれか1つのフィールドに語の75%以上が一致するフィードを、
// 購読者数の多い順、次にスコアの高い順で最大max件返す。maxが0以下の場合は5件とする。
// バックエンドに到達できない場合やクエリが拒否された場合は空の結果を返す。
func (f *FeedIndex) FindFeeds(ctx context.Context, text string, max int) []FeedDocument {
	if max <= 0 {
		max = DefaultMaxFeeds
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	key := fmt.Sprintf("%d\x00%s", max, strings.ToLower(text))
	if f.cache != nil {
		if docs, ok := f.cache.Get(key); ok {
			f.metrics.RecordDiscoveryCache(true)
			return docs
		}
		f.metrics.RecordDiscoveryCache(false)
	}

	req := &searchbackend.SearchRequest{
		Query: searchbackend.Query{MultiMatch: &searchbackend.MultiMatchQuery{
			Query:              text,
			Fields:             []string{"address", "link", "title"},
			Analyzer:           simple.Name,
			MinimumShouldMatch: discoveryMinimumShouldMatch,
		}},
		Sort:   []string{"-num_subscribers", "-_score"},
		Size:   max,
		Fields: feedFields,
	}

	start := time.Now()
	resp, err := f.backend.Search(ctx, f.index, req)
	outcome := classify(err)
	f.metrics.RecordSearchQuery(f.index, outcome.String(), time.Since(start))
	if err != nil {
		f.logger.Warn("feed_query_failed",
			slog.String("index", f.index),
			slog.String("outcome", outcome.String()),
			slog.String("query", text),
			slog.String("error", err.Error()),
		)
		return nil
	}

	docs := make([]FeedDocument, 0, len(resp.Hits))
	for _, h := range resp.Hits {
		docs = append(docs, feedDocumentFromHit(h))
	}
	if f.cache != nil {
		f.cache.Add(key, docs)
	}
	return docs
}

func feedDocumentFromHit(h searchbackend.Hit) FeedDocument {
	doc := FeedDocument{FeedID: h.ID}
	if v, ok := h.Fields["feed_id"].(string); ok && v != "" {
		doc.FeedID = v
	}
	doc.Title, _ = h.Fields["title"].(string)
	doc.Address, _ = h.Fields["address"].(string)
	doc.Link, _ = h.Fields["link"].(string)
	if v, ok := h.Fields["num_subscribers"].(float64); ok {
		doc.NumSubscribers = int(v)
	}
	return doc
}

func wrapIfNotNil(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
