package cmd

import (
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/internal/pipeline"

	"github.com/spf13/cobra"
)

// generateCmd は、AIによる絵本ページ画像の生成を実行するのだ。
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "台本からAIに絵本の挿絵を生成させますなのだ。",
	Long: `Markdown台本を解析し、ページごとの挿絵を品質ゲート付きで生成するのだ。
基準点に届くまで自動で再試行し、画像とブック状態（book.json）を保存するのだよ。`,
	RunE: generateCommand,
}

func generateCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	// 1. 必須チェック
	if opts.ScriptFile == "" && opts.BookFile == "" {
		return fmt.Errorf("ソース（--script-file または --book-file）を指定してほしいのだ")
	}

	// 2. 環境変数等から基本設定をロードするのだ
	cfg := config.LoadConfig()
	cfg.GeminiModel = opts.AIModel
	cfg.GeminiImageModel = opts.ImageModel
	cfg.Options = opts

	slog.Info("絵本生成パイプラインを起動するのだ！",
		"text_model", cfg.GeminiModel,
		"image_model", cfg.GeminiImageModel,
		"output", opts.OutputDir)

	// 3. 更新した config を考慮しつつパイプラインを実行するのだ
	if err := pipeline.ExecuteGenerate(ctx, cfg); err != nil {
		return fmt.Errorf("パイプライン実行中にエラーが発生したのだ: %w", err)
	}

	slog.Info("すべての生成工程が完了したのだ！")
	return nil
}
