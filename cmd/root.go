package cmd

import (
	"fmt"
	"os"

	"github.com/shouni/go-storybook-kit/internal/config"

	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"
)

// opts は全コマンドで共有する実行時オプションなのだ。
var opts config.GenerateOptions

// addAppFlags は、アプリケーション全般に適用されるグローバルフラグを定義するのだ。
func addAppFlags(rootCmd *cobra.Command) {
	// --- ソース入力関連 ---
	rootCmd.PersistentFlags().StringVarP(&opts.ScriptFile, "script-file", "f", "", "絵本台本（Markdown）のパスなのだ（ローカル or gs://...）。")
	rootCmd.PersistentFlags().StringVarP(&opts.BookFile, "book-file", "b", "", "保存済みブック状態（book.json）のパスなのだ。")
	rootCmd.PersistentFlags().StringVarP(&opts.CharacterConfig, "char-config", "c", config.DefaultCharactersFile, "キャラクターの視覚情報を定義したJSONパスなのだ。")

	// --- 生成結果の出力設定 ---
	rootCmd.PersistentFlags().StringVarP(&opts.OutputDir, "output-dir", "o", config.DefaultLocalOutputDir, "成果物の保存先ディレクトリ（ローカル or gs://...）なのだ。")

	// --- 操作対象の指定 ---
	rootCmd.PersistentFlags().IntVarP(&opts.Page, "page", "p", 0, "操作対象のページ番号なのだ（0で全ページ）。")

	// --- AIモデル・挙動設定 ---
	rootCmd.PersistentFlags().StringVar(&opts.AIModel, "model", config.DefaultModel, "評価・批評に使う Gemini モデル名なのだ。")
	rootCmd.PersistentFlags().StringVar(&opts.ImageModel, "image-model", config.DefaultImageModel, "画像生成に使う Gemini モデル名なのだ。")
	rootCmd.PersistentFlags().DurationVar(&opts.HTTPTimeout, "http-timeout", config.DefaultHTTPTimeout, "Webリクエストのタイムアウトなのだ。")
	rootCmd.PersistentFlags().BoolVar(&opts.DryRun, "dry-run", false, "生成せずに台本の解析結果だけを確認するのだ。")
}

// preRunAppE は、コマンド実行前に環境変数などの必須チェックを行うのだ。
func preRunAppE(cmd *cobra.Command, args []string) error {
	// Gemini APIを利用するため、APIキーの存在チェックは欠かせないのだ！
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("エラー: 環境変数 GEMINI_API_KEY が設定されていません。Gemini APIの利用には必須なのだ")
	}

	return nil
}

// Execute は、アプリケーションのメインエントリポイントなのだ。
// main.go から呼び出されて、cobra のコマンドライン解析を開始するのだよ。
func Execute() {
	clibase.Execute(
		"storybook-kit",
		addAppFlags,
		preRunAppE,
		generateCmd,
		iterateCmd,
		checkCmd,
		repairCmd,
		setActiveCmd,
	)
}
