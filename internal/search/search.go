// Package search はコンテンツ検索インデックス（記事）とディスカバリー検索インデックス（フィード）の
// クライアントを提供する。
//
// どちらのクライアントもバックエンドの障害を呼び出し元に伝播させない。
// 書き込みはログを残して何もせず、検索は空の結果を返す。
// 内部では検索結果をResultとして種別付きで扱い、公開境界でのみIDの一覧に畳み込む。
package search

import (
	"context"
	"errors"

	"github.com/hitoshi/feedsearch/internal/searchbackend"
)

// Backend は検索インデックスクライアントが必要とするバックエンド操作。
// searchbackend.Clientが実装する。
type Backend interface {
	CreateIndex(ctx context.Context, index string, mapping any) error
	DeleteIndex(ctx context.Context, index string) error
	CloseIndex(ctx context.Context, index string) error
	OpenIndex(ctx context.Context, index string) error
	PutMapping(ctx context.Context, index string, mapping any) error
	IndexDocument(ctx context.Context, index, id string, doc searchbackend.Document) error
	DeleteDocument(ctx context.Context, index, id string) error
	Bulk(ctx context.Context, index string, docs []searchbackend.BulkDoc) (int, error)
	Search(ctx context.Context, index string, req *searchbackend.SearchRequest) (*searchbackend.SearchResponse, error)
	Count(ctx context.Context, index string) (uint64, error)
}

var _ Backend = (*searchbackend.Client)(nil)

// Outcome は検索の結果種別。
type Outcome int

const (
	// OutcomeOK は検索が成功したことを表す。0件の場合も含む。
	OutcomeOK Outcome = iota
	// OutcomeUnavailable はバックエンドに到達できなかったことを表す。
	OutcomeUnavailable
	// OutcomeRejected はバックエンドがクエリを不正として拒否したことを表す。
	OutcomeRejected
	// OutcomeCanceled は呼び出し元がリクエストを打ち切ったことを表す。
	OutcomeCanceled
)

// String はメトリクスとログで使う種別名を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "ok"
	}
}

// Result は種別付きの検索結果。
type Result struct {
	Outcome Outcome
	IDs     []string
}

// classify はバックエンドのエラーを結果種別に分類する。
// クエリの拒否と呼び出し元による打ち切り以外は、バックエンドが応答できない状態として扱う。
func classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, searchbackend.ErrQueryRejected):
		return OutcomeRejected
	case errors.Is(err, searchbackend.ErrCanceled):
		return OutcomeCanceled
	default:
		return OutcomeUnavailable
	}
}

// Order は記事検索の並び順。
type Order string

const (
	// OrderNewest は公開日時の新しい順。
	OrderNewest Order = "newest"
	// OrderOldest は公開日時の古い順。
	OrderOldest Order = "oldest"
)

// ParseOrder は文字列を並び順に変換する。空文字列はOrderNewestとする。
func ParseOrder(s string) (Order, bool) {
	switch Order(s) {
	case "", OrderNewest:
		return OrderNewest, true
	case OrderOldest:
		return OrderOldest, true
	default:
		return "", false
	}
}

func (o Order) sortKey() string {
	if o == OrderOldest {
		return "date"
	}
	return "-date"
}
