// Package model はドメインモデルを定義する。
package model

import "time"

// SearchState はユーザーの購読インデックス状態を表す。
type SearchState string

const (
	// SearchStateNeverIndexed は一度もフルインデックスが完了していない状態。
	SearchStateNeverIndexed SearchState = "NEVER_INDEXED"
	// SearchStateIndexing はフルインデックスが実行中の状態。
	SearchStateIndexing SearchState = "INDEXING"
	// SearchStateIndexed はフルインデックスが少なくとも1回完了した状態。
	SearchStateIndexed SearchState = "INDEXED"
)

// UserSearch はユーザーごとの検索インデックス状態を表す。
// 初回の検索時に遅延生成され、インデクサーのみが更新する。
type UserSearch struct {
	UserID                string
	LastSearchDate        *time.Time
	SubscriptionsIndexed  bool
	SubscriptionsIndexing bool
	IndexingStartedAt     *time.Time // インデックス中フラグが立った時刻。インデックス中でなければnil
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// State はフラグから導出される状態を返す。
func (u *UserSearch) State() SearchState {
	switch {
	case u.SubscriptionsIndexing:
		return SearchStateIndexing
	case u.SubscriptionsIndexed:
		return SearchStateIndexed
	default:
		return SearchStateNeverIndexed
	}
}

// NeedsFullIndex はフルインデックスを開始すべき状態かを返す。
// どちらのフラグも立っていない場合のみtrueとなる。
func (u *UserSearch) NeedsFullIndex() bool {
	return !u.SubscriptionsIndexed && !u.SubscriptionsIndexing
}
