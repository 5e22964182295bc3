package config

import (
	"time"

	"github.com/shouni/go-utils/envutil"
)

// デフォルト値の定義なのだ
const (
	DefaultModel           = "gemini-3-flash-preview"
	DefaultImageModel      = "gemini-3-pro-image-preview"
	DefaultHTTPTimeout     = 30 * time.Second
	DefaultRateInterval    = 10 * time.Second
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCharactersFile  = "examples/characters.json"
	DefaultLocalOutputDir  = "output" // ブックの成果物を置くデフォルトの保存先なのだ
	DefaultStyleSuffix     = "children's storybook illustration, watercolor texture, soft lighting, gentle color palette, warm atmosphere, high resolution, consistent character design"

	// 品質ゲートのポリシー定数。運用で揺らす値は CLI フラグで上書きできます。
	DefaultScoreThreshold  = 80
	DefaultMaxAttempts     = 3
	DefaultRepairPasses    = 2
	DefaultPageWorkers     = 5
	DefaultIoUThreshold    = 0.25
	DefaultContainedCutoff = 0.5
)

// Config はアプリケーション全体の環境設定（APIキーやモデル設定）を保持する構造体なのだ。
type Config struct {
	GeminiAPIKey     string
	GeminiModel      string
	GeminiImageModel string
	StyleSuffix      string

	// --- 品質ゲート設定 ---
	ScoreThreshold int
	MaxAttempts    int
	RepairPasses   int

	// --- 実行制御 ---
	PageWorkers  int
	RateInterval time.Duration
	CacheTTL     time.Duration

	// --- 顔マッチング設定 ---
	IoUThreshold    float64
	ContainedCutoff float64

	Options GenerateOptions
}

// LoadConfig は環境変数から設定を読み込み、構造体を返すのだ！
func LoadConfig() *Config {
	return &Config{
		GeminiAPIKey:     envutil.GetEnv("GEMINI_API_KEY", ""),
		GeminiModel:      envutil.GetEnv("GEMINI_MODEL", DefaultModel),
		GeminiImageModel: envutil.GetEnv("IMAGE_GEMINI_MODEL", DefaultImageModel),
		StyleSuffix:      envutil.GetEnv("IMAGE_PROMPT_SUFFIX", DefaultStyleSuffix),
		ScoreThreshold:   DefaultScoreThreshold,
		MaxAttempts:      DefaultMaxAttempts,
		RepairPasses:     DefaultRepairPasses,
		PageWorkers:      DefaultPageWorkers,
		RateInterval:     DefaultRateInterval,
		CacheTTL:         DefaultCacheTTL,
		IoUThreshold:     DefaultIoUThreshold,
		ContainedCutoff:  DefaultContainedCutoff,
	}
}

// GenerateOptions は CLI フラグから渡される実行時のパラメータなのだ。
type GenerateOptions struct {
	// ソース入力関連
	ScriptFile      string // --script-file
	BookFile        string // --book-file
	CharacterConfig string // --char-config

	// 生成結果の出力設定
	OutputDir string // --output-dir

	// 操作対象の指定
	Page      int    // --page
	Character string // --character
	Version   int    // --version

	// 操作モード
	Mode       string // --mode: iterate の批評モード (strict / focused)
	Strategy   string // --strategy: repair の補修手法 (inpaint / faceswap)
	AutoRepair bool   // --auto-repair: 一貫性チェック後に自動修復まで行う

	// AI挙動設定
	AIModel    string // --model: テキスト・評価用のGeminiモデル
	ImageModel string // --image-model: 画像生成用のGeminiモデル

	// 実行制御
	HTTPTimeout time.Duration // --http-timeout
	DryRun      bool          // --dry-run
}
