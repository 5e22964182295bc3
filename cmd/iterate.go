package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// iterateCmd は、生成済みページを批評付きで再生成するのだ。
var iterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "生成済みページをAIの批評付きで作り直しますなのだ。",
	Long: `アクティブ版の画像をAIに批評させ、その指摘を織り込んでページを再生成するのだ。
元の版は履歴として残り、いつでも set-active で戻せるのだよ。`,
	RunE: iterateCommand,
}

func init() {
	iterateCmd.Flags().StringVarP(&opts.Mode, "mode", "m", "strict", "批評モード（strict / focused）なのだ。")
}

func iterateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if opts.BookFile == "" {
		return fmt.Errorf("反復改善には保存済みブック（--book-file）が必要なのだ")
	}
	if opts.Page <= 0 {
		return fmt.Errorf("対象ページ（--page）を指定してほしいのだ")
	}

	cfg := config.LoadConfig()
	cfg.GeminiModel = opts.AIModel
	cfg.GeminiImageModel = opts.ImageModel
	cfg.Options = opts

	slog.Info("反復改善を開始するのだ", "page", opts.Page, "mode", opts.Mode)

	if err := pipeline.ExecuteIterate(ctx, cfg); err != nil {
		return fmt.Errorf("反復改善中にエラーが発生したのだ: %w", err)
	}
	return nil
}
