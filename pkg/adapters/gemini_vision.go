package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"google.golang.org/genai"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

var jsonBlockRegex = regexp.MustCompile("(?s)```(?:json)?\\s*(.*\\S)\\s*```")

// GeminiVisionEvaluator は Gemini のマルチモーダル入力を使って
// 挿絵の品質評価と不良領域の特定を行います。
type GeminiVisionEvaluator struct {
	client      *genai.Client
	model       string
	instruction string // 評価基準を定義するシステム指示
}

// NewGeminiVisionEvaluator は評価用クライアントを構築します。
func NewGeminiVisionEvaluator(client *genai.Client, model, instruction string) *GeminiVisionEvaluator {
	return &GeminiVisionEvaluator{
		client:      client,
		model:       model,
		instruction: instruction,
	}
}

// Evaluate は画像と文脈情報を送信し、スコア・理由・FixTarget 群を受け取ります。
func (e *GeminiVisionEvaluator) Evaluate(ctx context.Context, image domain.ImageRef, evalCtx *EvalContext) (*Evaluation, error) {
	parts, err := buildImageParts(image)
	if err != nil {
		return nil, err
	}

	instruction := e.instruction
	if evalCtx != nil && evalCtx.Instruction != "" {
		instruction = evalCtx.Instruction
	}

	var sb strings.Builder
	sb.WriteString(instruction)
	if evalCtx != nil {
		if evalCtx.Prompt != "" {
			sb.WriteString("\n\n### GENERATION PROMPT ###\n")
			sb.WriteString(evalCtx.Prompt)
		}
		if evalCtx.StoryText != "" {
			sb.WriteString("\n\n### STORY TEXT ###\n")
			sb.WriteString(evalCtx.StoryText)
		}
		for _, url := range evalCtx.ReferenceURLs {
			parts = append(parts, genai.NewPartFromURI(url, "image/png"))
		}
	}
	parts = append(parts, genai.NewPartFromText(sb.String()))

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	var eval Evaluation
	if err := decodeJSONResponse(resp.Text(), &eval); err != nil {
		return nil, fmt.Errorf("%w: 評価レスポンスのパースに失敗しました: %v", ErrProvider, err)
	}

	// モデルが範囲外のスコアを返した場合は 0〜100 に丸めます。
	if eval.Score < 0 {
		eval.Score = 0
	}
	if eval.Score > 100 {
		eval.Score = 100
	}
	return &eval, nil
}

// GeminiRegionDetector は Gemini の物体検出能力で顔・人物領域を抽出します。
type GeminiRegionDetector struct {
	client      *genai.Client
	model       string
	instruction string
}

// NewGeminiRegionDetector は検出用クライアントを構築します。
func NewGeminiRegionDetector(client *genai.Client, model, instruction string) *GeminiRegionDetector {
	return &GeminiRegionDetector{
		client:      client,
		model:       model,
		instruction: instruction,
	}
}

// geminiDetection は Gemini の検出レスポンス形式です。
// box_2d は [ymin, xmin, ymax, xmax] の 0〜1000 スケールです。
type geminiDetection struct {
	Box   [4]float64 `json:"box_2d"`
	Label string     `json:"label"`
}

// Detect は画像内の顔領域を検出し、正規化座標の矩形として返します。
func (d *GeminiRegionDetector) Detect(ctx context.Context, image domain.ImageRef) ([]DetectedRegion, error) {
	parts, err := buildImageParts(image)
	if err != nil {
		return nil, err
	}
	parts = append(parts, genai.NewPartFromText(d.instruction))

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := d.client.Models.GenerateContent(ctx, d.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	var detections []geminiDetection
	if err := decodeJSONResponse(resp.Text(), &detections); err != nil {
		return nil, fmt.Errorf("%w: 検出レスポンスのパースに失敗しました: %v", ErrProvider, err)
	}

	regions := make([]DetectedRegion, 0, len(detections))
	for _, det := range detections {
		ymin, xmin, ymax, xmax := det.Box[0]/1000, det.Box[1]/1000, det.Box[2]/1000, det.Box[3]/1000
		box := domain.BBox{X: xmin, Y: ymin, Width: xmax - xmin, Height: ymax - ymin}
		if box.Validate() != nil {
			// 不正な座標を返す検出はノイズとして捨てます。
			continue
		}
		regions = append(regions, DetectedRegion{Box: box, Label: det.Label})
	}
	return regions, nil
}

// buildImageParts は ImageRef をマルチモーダル入力パートに変換します。
func buildImageParts(image domain.ImageRef) ([]*genai.Part, error) {
	switch {
	case len(image.Data) > 0:
		mime := image.MimeType
		if mime == "" {
			mime = "image/png"
		}
		return []*genai.Part{genai.NewPartFromBytes(image.Data, mime)}, nil
	case image.URI != "":
		mime := image.MimeType
		if mime == "" {
			mime = "image/png"
		}
		return []*genai.Part{genai.NewPartFromURI(image.URI, mime)}, nil
	default:
		return nil, fmt.Errorf("画像参照が空です")
	}
}

// decodeJSONResponse はコードフェンス付き・なし両方のJSONレスポンスをデコードします。
func decodeJSONResponse(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if m := jsonBlockRegex.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	return json.Unmarshal([]byte(raw), v)
}
