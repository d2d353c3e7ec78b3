// Package searchbackend は検索バックエンドのHTTP/JSONプロトコルとそのクライアントを提供する。
//
// プロトコルはドキュメント指向のインデックス操作（作成・削除・クローズ・オープン・
// マッピング更新）、ドキュメントの登録・削除、検索、件数取得からなる。
// サーバー実装はsearchdパッケージにある。
package searchbackend

// エラー種別。エラーレスポンスのerror.typeに設定される。
const (
	ErrTypeIndexExists     = "resource_already_exists_exception"
	ErrTypeIndexNotFound   = "index_not_found_exception"
	ErrTypeIndexClosed     = "index_closed_exception"
	ErrTypeIndexOpen       = "index_open_exception"
	ErrTypeQueryParsing    = "query_parsing_exception"
	ErrTypeMapperParsing   = "mapper_parsing_exception"
	ErrTypeInvalidIndex    = "invalid_index_name_exception"
	ErrTypeIllegalArgument = "illegal_argument_exception"
	ErrTypeInternal        = "internal_exception"
)

// ErrorBody はエラーレスポンスのボディ。
type ErrorBody struct {
	Error  ErrorDetail `json:"error"`
	Status int         `json:"status"`
}

// ErrorDetail はエラーの種別と理由。
type ErrorDetail struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Document はインデックスに登録する1件のドキュメント。
type Document map[string]any

// BulkRequest は複数ドキュメントの一括登録リクエスト。
type BulkRequest struct {
	Docs []BulkDoc `json:"docs"`
}

// BulkDoc は一括登録の1要素。
type BulkDoc struct {
	ID  string   `json:"id"`
	Doc Document `json:"doc"`
}

// BulkResponse は一括登録の結果。
type BulkResponse struct {
	Indexed int `json:"indexed"`
}

// SearchRequest は検索リクエスト。
type SearchRequest struct {
	Query  Query    `json:"query"`
	Filter *Filter  `json:"filter,omitempty"`
	Sort   []string `json:"sort,omitempty"`
	From   int      `json:"from"`
	Size   int      `json:"size"`
	Fields []string `json:"fields,omitempty"`
}

// Query は検索条件。いずれか1つのみ指定する。
type Query struct {
	MatchAll    *MatchAllQuery    `json:"match_all,omitempty"`
	QueryString *QueryStringQuery `json:"query_string,omitempty"`
	MultiMatch  *MultiMatchQuery  `json:"multi_match,omitempty"`
}

// MatchAllQuery は全件一致。
type MatchAllQuery struct{}

// QueryStringQuery はクエリ文字列構文による検索。
// DefaultOperatorが"AND"の場合、演算子のない語はすべて必須となる。
type QueryStringQuery struct {
	Query           string `json:"query"`
	DefaultOperator string `json:"default_operator,omitempty"`
}

// MultiMatchQuery は複数フィールドに対する語単位の一致検索。
// 各語はいずれかのフィールドに一致すればよく、
// MinimumShouldMatch（例: "75%"）の割合以上の語が一致した文書を返す。
type MultiMatchQuery struct {
	Query              string   `json:"query"`
	Fields             []string `json:"fields"`
	Analyzer           string   `json:"analyzer,omitempty"`
	MinimumShouldMatch string   `json:"minimum_should_match,omitempty"`
}

// Filter は検索結果を絞り込む条件。
type Filter struct {
	Terms *TermsFilter `json:"terms,omitempty"`
}

// TermsFilter はフィールド値がValuesのいずれかに一致する文書に絞り込む。
type TermsFilter struct {
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// SearchResponse は検索結果。
type SearchResponse struct {
	Total uint64 `json:"total"`
	Hits  []Hit  `json:"hits"`
}

// Hit は検索結果の1件。Fieldsには格納済みフィールドのうち要求されたものが入る。
type Hit struct {
	ID     string         `json:"id"`
	Score  float64        `json:"score"`
	Fields map[string]any `json:"fields,omitempty"`
}

// CountResponse はドキュメント件数。
type CountResponse struct {
	Count uint64 `json:"count"`
}

// HealthResponse はヘルスチェック結果。
type HealthResponse struct {
	Status string `json:"status"`
}
