package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/feedsearch/internal/config"
	"github.com/hitoshi/feedsearch/internal/indexing"
)

// cmdEnv はPersistentPreRunEで初期化され、各サブコマンドから参照される。
type cmdEnv struct {
	out    io.Writer
	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd はfeedsearchのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして起動する。ログはwに出力する。
func NewRootCmd(w io.Writer) *cobra.Command {
	rt := &cmdEnv{out: w}

	cmd := &cobra.Command{
		Use:           "feedsearch",
		Short:         "フィードリーダーの検索インデックス調整サービス",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := Init(rt.out)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			rt.cfg = cfg
			rt.logger = slog.Default()
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), rt.cfg, rt.logger)
		},
	}

	cmd.AddCommand(
		newServeCmd(rt),
		newWorkerCmd(rt),
		newSearchdCmd(rt),
		newMigrateCmd(rt),
		newHealthcheckCmd(rt),
		newReindexDiscoveryCmd(rt),
		newExportFeedsCmd(rt),
		newResetStuckCmd(rt),
		newRemoveSearchCmd(rt),
		newRemoveAllCmd(rt),
	)
	return cmd
}

func newServeCmd(rt *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "検索APIサーバーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), rt.cfg, rt.logger)
		},
	}
}

func newWorkerCmd(rt *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "インデックスタスクと定期ジョブを実行する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), rt.cfg, rt.logger)
		},
	}
}

func newSearchdCmd(rt *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "searchd",
		Short: "検索バックエンドを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearchd(cmd.Context(), rt.cfg, rt.logger)
		},
	}
}

func newMigrateCmd(rt *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "データベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runMigrate(rt.cfg, rt.logger)
		},
	}
}

func newHealthcheckCmd(rt *cmdEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "起動中のAPIサーバーの/healthを確認する",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHealthcheck(rt.cfg.ServerPort)
		},
	}
}

func newReindexDiscoveryCmd(rt *cmdEnv) *cobra.Command {
	var recreate bool
	cmd := &cobra.Command{
		Use:   "reindex-discovery",
		Short: "ディスカバリー検索インデックスを更新する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReindexDiscovery(cmd.Context(), rt.cfg, rt.logger, recreate)
		},
	}
	cmd.Flags().BoolVar(&recreate, "recreate", false, "インデックスを作り直してから登録する")
	return cmd
}

func newExportFeedsCmd(rt *cmdEnv) *cobra.Command {
	var (
		minSubscribers int
		output         string
	)
	cmd := &cobra.Command{
		Use:   "export-feeds",
		Short: "購読者の多いフィードをCSVで書き出す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			return runExportFeeds(cmd.Context(), rt.cfg, rt.logger, w, minSubscribers)
		},
	}
	cmd.Flags().IntVar(&minSubscribers, "min-subscribers", indexing.DefaultMinSubscribers, "書き出すフィードの購読者数の下限")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "出力先ファイル（-は標準出力）")
	return cmd
}

func newResetStuckCmd(rt *cmdEnv) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "インデックス中のまま止まったユーザーを未インデックスに戻す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResetStuck(cmd.Context(), rt.cfg, rt.logger, olderThan)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 2*time.Hour, "この時間以上更新のない状態を対象とする")
	return cmd
}

func newRemoveSearchCmd(rt *cmdEnv) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "remove-search",
		Short: "ユーザーの検索状態を削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRemoveSearch(cmd.Context(), rt.cfg, rt.logger, userID)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "対象ユーザーID")
	return cmd
}

func newRemoveAllCmd(rt *cmdEnv) *cobra.Command {
	var dropIndex bool
	cmd := &cobra.Command{
		Use:   "remove-all",
		Short: "全ユーザーの検索状態を削除する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRemoveAll(cmd.Context(), rt.cfg, rt.logger, dropIndex)
		},
	}
	cmd.Flags().BoolVar(&dropIndex, "drop-index", false, "コンテンツ検索インデックスも削除する")
	return cmd
}
