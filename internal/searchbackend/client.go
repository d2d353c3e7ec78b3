package searchbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client は検索バックエンドのHTTPクライアント。
// 起動時に1つ生成し、インデックスクライアントへ注入して共有する。
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *Breaker
	logger     *slog.Logger
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient はHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker はサーキットブレーカーを差し替える。
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger はロガーを差し替える。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient はbaseURL（例: "http://localhost:9200"）に接続するClientを生成する。
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    NewBreaker(),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BreakerState はサーキットブレーカーの現在の状態を返す。
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// Health はバックエンドのヘルスチェックを行う。
func (c *Client) Health(ctx context.Context) error {
	var out HealthResponse
	return c.do(ctx, http.MethodGet, "/_health", nil, &out)
}

// CreateIndex はマッピングを指定してインデックスを作成する。
// 既に存在する場合はErrIndexExistsとなる。
func (c *Client) CreateIndex(ctx context.Context, index string, mapping any) error {
	return c.do(ctx, http.MethodPut, indexPath(index), mapping, nil)
}

// DeleteIndex はインデックスを削除する。存在しない場合はErrIndexNotFoundとなる。
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	return c.do(ctx, http.MethodDelete, indexPath(index), nil, nil)
}

// CloseIndex はインデックスをクローズする。クローズ中は書き込みと検索を受け付けない。
func (c *Client) CloseIndex(ctx context.Context, index string) error {
	return c.do(ctx, http.MethodPost, indexPath(index)+"/_close", nil, nil)
}

// OpenIndex はインデックスをオープンする。
func (c *Client) OpenIndex(ctx context.Context, index string) error {
	return c.do(ctx, http.MethodPost, indexPath(index)+"/_open", nil, nil)
}

// PutMapping はクローズ中のインデックスのマッピングを更新する。
func (c *Client) PutMapping(ctx context.Context, index string, mapping any) error {
	return c.do(ctx, http.MethodPut, indexPath(index)+"/_mapping", mapping, nil)
}

// IndexDocument はドキュメントを登録または更新する。
func (c *Client) IndexDocument(ctx context.Context, index, id string, doc Document) error {
	return c.do(ctx, http.MethodPut, docPath(index, id), doc, nil)
}

// DeleteDocument はドキュメントを削除する。
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	return c.do(ctx, http.MethodDelete, docPath(index, id), nil, nil)
}

// Bulk は複数ドキュメントを一括登録し、登録件数を返す。
func (c *Client) Bulk(ctx context.Context, index string, docs []BulkDoc) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	var out BulkResponse
	if err := c.do(ctx, http.MethodPost, indexPath(index)+"/_bulk", BulkRequest{Docs: docs}, &out); err != nil {
		return 0, err
	}
	return out.Indexed, nil
}

// Search は検索を実行する。
func (c *Client) Search(ctx context.Context, index string, req *SearchRequest) (*SearchResponse, error) {
	var out SearchResponse
	if err := c.do(ctx, http.MethodPost, indexPath(index)+"/_search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Count はインデックスのドキュメント件数を返す。
func (c *Client) Count(ctx context.Context, index string) (uint64, error) {
	var out CountResponse
	if err := c.do(ctx, http.MethodGet, indexPath(index)+"/_count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// do はリクエストを送信し、応答をoutにデコードする。
// 接続失敗と5xxはブレーカーに失敗として記録し、ErrUnavailableでラップして返す。
// 呼び出し元のコンテキストの終了はErrCanceledとし、ブレーカーには記録しない。
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("%w: サーキットブレーカーが開いています", ErrUnavailable)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, ctxErr)
		}
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
		return fmt.Errorf("%w: %s %s がステータス %d を返しました", ErrUnavailable, method, path, resp.StatusCode)
	}
	c.breaker.RecordSuccess()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil || method == http.MethodHead {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	re := &ResponseError{Status: resp.StatusCode}
	var eb ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err == nil {
		re.Type = eb.Error.Type
		re.Reason = eb.Error.Reason
	}
	return re
}

func indexPath(index string) string {
	return "/" + url.PathEscape(index)
}

func docPath(index, id string) string {
	return indexPath(index) + "/_doc/" + url.PathEscape(id)
}
