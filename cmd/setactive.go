package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// setActiveCmd は、ページのアクティブ版を過去の版へ切り替えるのだ。
var setActiveCmd = &cobra.Command{
	Use:   "set-active",
	Short: "ページの採用バージョンを切り替えますなのだ。",
	Long: `ページに積まれたバージョン履歴から、指定インデックスの版をアクティブにするのだ。
履歴は消えないので、何度でも切り替えられるのだよ。`,
	RunE: setActiveCommand,
}

func init() {
	setActiveCmd.Flags().IntVarP(&opts.Version, "version", "v", 0, "アクティブにするバージョンのインデックスなのだ。")
}

func setActiveCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if opts.BookFile == "" {
		return fmt.Errorf("バージョン切り替えには保存済みブック（--book-file）が必要なのだ")
	}
	if opts.Page <= 0 {
		return fmt.Errorf("対象ページ（--page）を指定してほしいのだ")
	}

	cfg := config.LoadConfig()
	cfg.Options = opts

	slog.Info("アクティブ版を切り替えるのだ", "page", opts.Page, "version", opts.Version)

	if err := pipeline.ExecuteSetActive(ctx, cfg); err != nil {
		return fmt.Errorf("バージョン切り替え中にエラーが発生したのだ: %w", err)
	}
	return nil
}
