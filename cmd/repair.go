package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// repairCmd は、ページの局所補修または特定キャラクターの顔修復を実行するのだ。
var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "ページの問題領域を局所的に修復しますなのだ。",
	Long: `アクティブ版の評価で指摘された領域だけを再生成して塗り直すのだ。
--character を指定すると、そのキャラクターの顔をリファレンスに寄せる修復に切り替わるのだ。
修復後のスコアが改善しなかった場合は元の版を維持するのだよ。`,
	RunE: repairCommand,
}

func init() {
	repairCmd.Flags().StringVarP(&opts.Strategy, "strategy", "s", "inpaint", "補修手法（inpaint / faceswap）なのだ。")
	repairCmd.Flags().StringVar(&opts.Character, "character", "", "顔修復の対象キャラクター名なのだ。")
}

func repairCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if opts.BookFile == "" {
		return fmt.Errorf("補修には保存済みブック（--book-file）が必要なのだ")
	}
	if opts.Page <= 0 {
		return fmt.Errorf("対象ページ（--page）を指定してほしいのだ")
	}

	cfg := config.LoadConfig()
	cfg.GeminiModel = opts.AIModel
	cfg.GeminiImageModel = opts.ImageModel
	cfg.Options = opts

	slog.Info("補修を開始するのだ",
		"page", opts.Page, "strategy", opts.Strategy, "character", opts.Character)

	if err := pipeline.ExecuteRepair(ctx, cfg); err != nil {
		return fmt.Errorf("補修中にエラーが発生したのだ: %w", err)
	}
	return nil
}
