package model

import "time"

// Session はログインを担う別サービスが発行したセッションを表す。
// 検索APIはセッションからユーザーIDを解決するだけで、発行や延長は行わない。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}
