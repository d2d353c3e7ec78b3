// Package model はドメインモデルを定義する。
package model

import "time"

// Item はフィードから取得した記事を表す。
type Item struct {
	ID          string
	FeedID      string
	Title       string
	Link        string
	Content     string // サニタイズ済みHTML
	Author      string
	Tags        []string
	PublishedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Date は検索インデックス上の公開日時を返す。
// 公開日時が不明な場合は作成日時で代用する。
func (i *Item) Date() time.Time {
	if i.PublishedAt != nil {
		return *i.PublishedAt
	}
	return i.CreatedAt
}
