// Command feedsearch はフィードリーダーの検索インデックス調整サービスを起動する。
package main

import (
	"log/slog"
	"os"

	"github.com/hitoshi/feedsearch/internal/app"
)

func main() {
	if err := app.Run(os.Stderr, os.Args[1:]); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
