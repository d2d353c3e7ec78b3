package searchbackend

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable は接続失敗・5xx応答・サーキットブレーカー開放を表す。
	ErrUnavailable = errors.New("検索バックエンドに接続できません")
	// ErrCanceled は呼び出し元のコンテキストが終了したため応答を待たずに打ち切ったことを表す。
	// バックエンドの障害ではないため、サーキットブレーカーには記録しない。
	ErrCanceled = errors.New("検索バックエンドへのリクエストが打ち切られました")
	// ErrQueryRejected はバックエンドがクエリを不正として拒否したことを表す。
	ErrQueryRejected = errors.New("検索クエリが拒否されました")
	// ErrIndexExists はインデックスが既に存在することを表す。
	ErrIndexExists = errors.New("インデックスは既に存在します")
	// ErrIndexNotFound はインデックスが存在しないことを表す。
	ErrIndexNotFound = errors.New("インデックスが存在しません")
	// ErrIndexClosed はクローズ中のインデックスへの書き込み・検索を表す。
	ErrIndexClosed = errors.New("インデックスはクローズされています")
	// ErrIndexOpen はオープン中のインデックスへのマッピング変更を表す。
	ErrIndexOpen = errors.New("インデックスがオープンされています")
)

// ResponseError はバックエンドが返した4xxエラー。
// errors.Isで対応する番兵エラーと照合できる。
type ResponseError struct {
	Status int
	Type   string
	Reason string
}

// Error はerrorインターフェースを実装する。
func (e *ResponseError) Error() string {
	return fmt.Sprintf("search backend %d %s: %s", e.Status, e.Type, e.Reason)
}

// Unwrap はエラー種別に対応する番兵エラーを返す。
func (e *ResponseError) Unwrap() error {
	switch e.Type {
	case ErrTypeIndexExists:
		return ErrIndexExists
	case ErrTypeIndexNotFound:
		return ErrIndexNotFound
	case ErrTypeIndexClosed:
		return ErrIndexClosed
	case ErrTypeIndexOpen:
		return ErrIndexOpen
	case ErrTypeQueryParsing:
		return ErrQueryRejected
	default:
		return nil
	}
}
