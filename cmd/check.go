package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// checkCmd は、ブック全体のキャラクター一貫性チェックを実行するのだ。
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "全ページのキャラクター一貫性を検査しますなのだ。",
	Long: `生成済みの全ページから顔を検出し、リファレンスとの照合で
見た目のブレ・重複・検出漏れを洗い出してレポートを保存するのだ。
--auto-repair を付けると、ブレたキャラクターの顔修復まで自動で行うのだよ。`,
	RunE: checkCommand,
}

func init() {
	checkCmd.Flags().BoolVar(&opts.AutoRepair, "auto-repair", false, "検出した逸脱をそのまま顔修復するのだ。")
}

func checkCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if opts.BookFile == "" {
		return fmt.Errorf("一貫性チェックには保存済みブック（--book-file）が必要なのだ")
	}

	cfg := config.LoadConfig()
	cfg.GeminiModel = opts.AIModel
	cfg.GeminiImageModel = opts.ImageModel
	cfg.Options = opts

	slog.Info("一貫性チェックを開始するのだ", "book_file", opts.BookFile, "auto_repair", opts.AutoRepair)

	if err := pipeline.ExecuteCheck(ctx, cfg); err != nil {
		return fmt.Errorf("一貫性チェック中にエラーが発生したのだ: %w", err)
	}
	return nil
}
