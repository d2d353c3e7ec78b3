// Package model はドメインモデルを定義する。
package model

import "time"

// Feed はRSS/Atomフィードを表す。
type Feed struct {
	ID            string
	FeedURL       string
	SiteURL       string
	Title         string
	SearchIndexed bool // 記事がコンテンツ検索インデックスに投入済みか
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DirectoryFeed はフィードディレクトリ上のフィードと購読者数を表す。
// ディスカバリー検索インデックスの投入元として使用する。
type DirectoryFeed struct {
	Feed
	NumSubscribers int
}

// Subscription はユーザーとフィードの購読関係を表す。
type Subscription struct {
	ID        string
	UserID    string
	FeedID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
