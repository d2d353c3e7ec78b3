// Package security はインデックス投入前のコンテンツ処理を提供する。
//
// TextExtractor は記事本文のHTMLからタグを取り除き、検索対象のプレーンテキストにする。
// bluemondayのStrictPolicyで全タグを除去するため、scriptやstyleの中身も残らない。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextExtractor はHTMLから検索用のテキストを取り出す。
type TextExtractor interface {
	// Extract はタグを除去し、文字参照を展開し、連続する空白を1つにまとめたテキストを返す。
	// 空文字列の入力には空文字列を返す。
	Extract(rawHTML string) string
}

type textExtractor struct {
	policy *bluemonday.Policy
}

// NewTextExtractor はTextExtractorを生成する。
func NewTextExtractor() *textExtractor {
	p := bluemonday.StrictPolicy()
	// ブロック要素の境界で語が連結しないよう、除去したタグを空白に置き換える
	p.AddSpaceWhenStrippingTag(true)
	return &textExtractor{policy: p}
}

// Extract はHTMLからテキストを取り出す。
func (e *textExtractor) Extract(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	text := html.UnescapeString(e.policy.Sanitize(rawHTML))
	return strings.Join(strings.Fields(text), " ")
}

var _ TextExtractor = (*textExtractor)(nil)
