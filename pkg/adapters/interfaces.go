package adapters

import (
	"context"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// GenerateRequest は単一の挿絵生成要求です。
type GenerateRequest struct {
	Prompt         string
	SystemPrompt   string
	NegativePrompt string
	AspectRatio    string
	ReferenceURLs  []string // キャラクターリファレンス等の参照画像
	BaseImage      *domain.ImageRef // 部分補修の元画像（新規生成時は nil）
	Seed           *int64
}

// ImageGenerator は画像生成 Capability へのインターフェースです。
type ImageGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*domain.ImageRef, error)
}

// EvalContext は視覚評価に渡す任意の文脈情報です。
type EvalContext struct {
	Prompt        string   // 画像を生成したプロンプト
	ReferenceURLs []string // 比較対象のリファレンス画像
	StoryText     string   // 対応するシーンの本文

	// Instruction が空でない場合、評価器の既定の指示文を置き換えます
	// （リファレンス類似比較など、評価基準が異なる呼び出しに使用）。
	Instruction string
}

// Evaluation は視覚評価 Capability の結果です。
type Evaluation struct {
	Score      int                      `json:"score"` // 0〜100
	Reasoning  string                   `json:"reasoning"`
	FixTargets domain.FixTargets        `json:"fix_targets"`
	Characters []domain.CharacterRegion `json:"characters,omitempty"`
}

// VisionEvaluator は視覚評価 Capability へのインターフェースです。
type VisionEvaluator interface {
	Evaluate(ctx context.Context, image domain.ImageRef, evalCtx *EvalContext) (*Evaluation, error)
}

// DetectedRegion は領域検出 Capability が返す1件の検出結果です。
type DetectedRegion struct {
	Box   domain.BBox `json:"box"`
	Label string      `json:"label,omitempty"`
}

// RegionDetector は顔・人物領域の検出 Capability へのインターフェースです。
type RegionDetector interface {
	Detect(ctx context.Context, image domain.ImageRef) ([]DetectedRegion, error)
}
