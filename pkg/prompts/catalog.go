package prompts

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// カタログが提供するテンプレート名です。
const (
	TemplateEvaluate = "evaluate" // 視覚評価の指示
	TemplateDetect   = "detect"   // 顔領域検出の指示
	TemplateCritique = "critique" // イテレーション用の批評指示
	TemplateCompare  = "compare"  // リファレンスとの類似比較指示
	TemplateInpaint  = "inpaint"  // 局所補修の指示
	TemplateFaceSwap = "faceswap" // 顔差し替え補修の指示
)

// PromptCatalog は埋め込みテンプレートを一度だけパースして保持します。
// プロセス起動時に構築し、値として各コンポーネントへ渡します
// （可変なグローバル状態にはしません）。
type PromptCatalog struct {
	templates map[string]*template.Template
}

// NewPromptCatalog はカタログを初期化します。
func NewPromptCatalog() (*PromptCatalog, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("プロンプトテンプレート (go:embed) の読み込みに失敗しました: %w", err)
	}

	parsed := make(map[string]*template.Template, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".tmpl")
		content, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("プロンプト '%s' の読み込みに失敗しました: %w", name, err)
		}
		if len(content) == 0 {
			return nil, fmt.Errorf("プロンプトテンプレート '%s' の内容が空です", name)
		}

		tmpl, err := template.New(name).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("プロンプト '%s' の解析に失敗: %w", name, err)
		}
		parsed[name] = tmpl
	}

	return &PromptCatalog{templates: parsed}, nil
}

// Build は、要求された名前のテンプレートを実行します。
func (c *PromptCatalog) Build(name string, data any) (string, error) {
	tmpl, ok := c.templates[name]
	if !ok {
		return "", fmt.Errorf("不明なテンプレートです: '%s'", name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("プロンプトテンプレート '%s' の実行に失敗しました: %w", name, err)
	}
	return sb.String(), nil
}
