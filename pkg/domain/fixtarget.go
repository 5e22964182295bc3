package domain

// Severity は検出された問題の深刻度です。
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// IssueCategory は FixTarget の分類です。補修プロンプトの文面切り替えに使用します。
type IssueCategory string

const (
	CategoryArtifact          IssueCategory = "artifact"           // 描画の破綻（指の本数、溶けた輪郭等）
	CategoryCharacterMismatch IssueCategory = "character_mismatch" // リファレンスとの外見不一致
	CategoryTextError         IssueCategory = "text_error"         // 文字化け・誤った書き文字
)

// FixTarget は画像内の局所的な不良領域です。
// 視覚評価 Capability、または文字列 issue への bounding box 付与によって生成され、
// 補修エンジンが編集対象として消費します。
type FixTarget struct {
	Box         BBox          `json:"box"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	Category    IssueCategory `json:"category,omitempty"`
}

// FixTargets は FixTarget の集合に対するヘルパー型です。
type FixTargets []FixTarget

// UnionBox は全ターゲットの領域を包含する矩形を返します。
func (ts FixTargets) UnionBox() BBox {
	boxes := make([]BBox, 0, len(ts))
	for _, t := range ts {
		boxes = append(boxes, t.Box)
	}
	return UnionBBox(boxes)
}

// Descriptions は全ターゲットの説明文を順序を保って抽出します。
func (ts FixTargets) Descriptions() []string {
	descs := make([]string, 0, len(ts))
	for _, t := range ts {
		if t.Description != "" {
			descs = append(descs, t.Description)
		}
	}
	return descs
}
