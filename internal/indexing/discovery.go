package indexing

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/hitoshi/feedsearch/internal/model"
	"github.com/hitoshi/feedsearch/internal/repository"
	"github.com/hitoshi/feedsearch/internal/search"
)

// DefaultMinSubscribers はディスカバリー対象とする購読者数の下限。
const DefaultMinSubscribers = 20

// DiscoveryIndex はディスカバリー検索インデックスへの書き込み操作。
type DiscoveryIndex interface {
	EnsureSchema(ctx context.Context, force bool) error
	IndexFeed(ctx context.Context, doc search.FeedDocument)
}

// DiscoveryIndexer はフィードディレクトリをディスカバリー検索インデックスに投入する。
type DiscoveryIndexer struct {
	feeds          repository.FeedRepository
	index          DiscoveryIndex
	minSubscribers int
	logger         *slog.Logger
}

// NewDiscoveryIndexer はDiscoveryIndexerを生成する。
// minSubscribersが0以下の場合はDefaultMinSubscribersを使う。
func NewDiscoveryIndexer(feeds repository.FeedRepository, index DiscoveryIndex, minSubscribers int, logger *slog.Logger) *DiscoveryIndexer {
	if minSubscribers <= 0 {
		minSubscribers = DefaultMinSubscribers
	}
	return &DiscoveryIndexer{
		feeds:          feeds,
		index:          index,
		minSubscribers: minSubscribers,
		logger:         logger,
	}
}

// RunOnce は購読者数が下限以上のフィードを購読者数つきで登録し、件数を返す。
func (d *DiscoveryIndexer) RunOnce(ctx context.Context) (int, error) {
	if err := d.index.EnsureSchema(ctx, false); err != nil {
		d.logger.Warn("ディスカバリー検索インデックスの準備に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	feeds, err := d.feeds.ListForDiscovery(ctx, d.minSubscribers)
	if err != nil {
		return 0, err
	}
	for _, f := range feeds {
		d.index.IndexFeed(ctx, FeedDocumentFromDirectory(f))
	}

	d.logger.Info("discovery_indexed",
		slog.Int("feed_count", len(feeds)),
		slog.Int("min_subscribers", d.minSubscribers),
	)
	return len(feeds), nil
}

// Run はperiodic.Jobとして使用するためのRunOnceのラッパー。
func (d *DiscoveryIndexer) Run(ctx context.Context) error {
	_, err := d.RunOnce(ctx)
	return err
}

// ExportCSV は購読者数がminSubscribers以上のフィードをCSVで書き出し、行数を返す。
func (d *DiscoveryIndexer) ExportCSV(ctx context.Context, w io.Writer, minSubscribers int) (int, error) {
	feeds, err := d.feeds.ListForDiscovery(ctx, minSubscribers)
	if err != nil {
		return 0, err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"feed_id", "title", "address", "link", "num_subscribers"}); err != nil {
		return 0, fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
	}
	for _, f := range feeds {
		doc := FeedDocumentFromDirectory(f)
		row := []string{doc.FeedID, doc.Title, doc.Address, doc.Link, strconv.Itoa(doc.NumSubscribers)}
		if err := cw.Write(row); err != nil {
			return 0, fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("CSVの書き込みに失敗しました: %w", err)
	}
	return len(feeds), nil
}

// FeedDocumentFromDirectory はフィードディレクトリのエントリからFeedDocumentを生成する。
func FeedDocumentFromDirectory(f *model.DirectoryFeed) search.FeedDocument {
	return search.FeedDocument{
		FeedID:         f.ID,
		Title:          f.Title,
		Address:        f.FeedURL,
		Link:           f.SiteURL,
		NumSubscribers: f.NumSubscribers,
	}
}

// compile-time interface check
var _ DiscoveryIndex = (*search.FeedIndex)(nil)
