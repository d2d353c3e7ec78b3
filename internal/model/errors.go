// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, search, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeEmptyQuery        = "EMPTY_QUERY"
	ErrCodeInvalidOrder      = "INVALID_ORDER"
	ErrCodeInvalidPagination = "INVALID_PAGINATION"
	ErrCodeInvalidBody       = "INVALID_BODY"
	ErrCodeNoFeedsSpecified  = "NO_FEEDS_SPECIFIED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeCSRFFailed        = "CSRF_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewEmptyQueryError は検索語未指定エラーを生成する。
func NewEmptyQueryError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyQuery,
		Message:  "検索語が指定されていません。",
		Category: "validation",
		Action:   "qパラメータに検索語を指定してください。",
	}
}

// NewInvalidOrderError は無効な並び順エラーを生成する。
func NewInvalidOrderError(order string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOrder,
		Message:  fmt.Sprintf("無効な並び順です: %s", order),
		Category: "validation",
		Action:   "orderには newest または oldest を指定してください。",
	}
}

// NewInvalidPaginationError は無効なページングパラメータエラーを生成する。
func NewInvalidPaginationError(param string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPagination,
		Message:  fmt.Sprintf("無効なページングパラメータです: %s", param),
		Category: "validation",
		Action:   "offsetとlimitには0以上の整数を指定してください。",
	}
}

// NewInvalidBodyError はリクエストボディ不正エラーを生成する。
func NewInvalidBodyError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBody,
		Message:  "リクエストボディの形式が正しくありません。",
		Category: "validation",
		Action:   "JSON形式のリクエストボディを送信してください。",
	}
}

// NewNoFeedsSpecifiedError はフィードID未指定エラーを生成する。
func NewNoFeedsSpecifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeNoFeedsSpecified,
		Message:  "再インデックス対象のフィードが指定されていません。",
		Category: "validation",
		Action:   "feed_idsに1件以上のフィードIDを指定してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト数が制限を超えました。",
		Category: "search",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}
