package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"

	"github.com/hitoshi/feedsearch/internal/database"
)

// openTestDB はTEST_DATABASE_URLのデータベースにマイグレーションを適用して返す。
// 未設定または接続できない場合はテストをスキップする。
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URLが未設定のためスキップ")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		db.Close()
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}

	for _, table := range []string{"search_tasks", "search_chords", "user_search", "items", "subscriptions", "feeds", "sessions", "users"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			db.Close()
			t.Fatalf("クリーンアップに失敗: %v", err)
		}
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func insertUser(t *testing.T, db *sql.DB, email string) string {
	t.Helper()
	var id string
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO users (email, name) VALUES ($1, $1) RETURNING id`, email,
	).Scan(&id)
	if err != nil {
		t.Fatalf("ユーザーの作成に失敗: %v", err)
	}
	return id
}

func insertFeed(t *testing.T, db *sql.DB, feedURL, title string) string {
	t.Helper()
	var id string
	err := db.QueryRowContext(context.Background(),
		`INSERT INTO feeds (feed_url, site_url, title) VALUES ($1, $1, $2) RETURNING id`, feedURL, title,
	).Scan(&id)
	if err != nil {
		t.Fatalf("フィードの作成に失敗: %v", err)
	}
	return id
}

func insertSubscription(t *testing.T, db *sql.DB, userID, feedID string) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO subscriptions (user_id, feed_id) VALUES ($1, $2)`, userID, feedID); err != nil {
		t.Fatalf("購読の作成に失敗: %v", err)
	}
}
