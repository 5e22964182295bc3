package prompts

import (
	"fmt"
	"strings"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

const (
	// CinematicTags クオリティ向上のための共通タグ
	CinematicTags = "storybook illustration, consistent character design, high resolution, sharp focus"

	// NegativeScenePrompt は不自然な描画を防ぐための標準 Negative Prompt です。
	NegativeScenePrompt = "deformed faces, mismatched eyes, cross-eyed, low-quality faces, melting faces, extra limbs, extra characters, duplicated characters, garbled text, watermark, distorted anatomy"

	// sceneSystemInstruction は挿絵生成時のAIの役割を定義します。
	sceneSystemInstruction = "You are a professional children's book illustrator. Create a single full-page storybook illustration."
)

// SceneInput はシーンプロンプト組立ての入力です。全て値渡しで、
// ビルダーは入力以外の状態に依存しません（副作用なし）。
type SceneInput struct {
	SceneText   string
	Clothing    string   // 衣装カテゴリ
	Included    []string // このシーンに登場させるキャラクターID（順序維持）
	VisualBible []string // ページに関係する反復ビジュアル要素
	Feedback    string   // 前回失敗時のフィードバック（空なら初回）
}

// ScenePrompt は組み立て結果です。
type ScenePrompt struct {
	UserPrompt    string
	SystemPrompt  string
	ReferenceURLs []string // 添付すべきリファレンス画像（順序に意味あり）
}

// ScenePromptBuilder は、シーン本文とキャラクター情報から生成プロンプトを
// 決定論的に構築します。
type ScenePromptBuilder struct {
	characterMap domain.CharactersMap
	style        string // 画風の識別子（リファレンス選択に使用）
	styleSuffix  string // "watercolor, soft lighting" 等の共通サフィックス
}

// NewScenePromptBuilder は新しいビルダーを生成します。
func NewScenePromptBuilder(chars domain.CharactersMap, style, styleSuffix string) *ScenePromptBuilder {
	return &ScenePromptBuilder{
		characterMap: chars,
		style:        style,
		styleSuffix:  styleSuffix,
	}
}

// Build はシーンプロンプトを組み立てます。
// Included で登場キャラクターを制限した場合、除外されたキャラクターを
// 明示的に列挙し、画像生成側の「余計な人物の幻覚」を抑止します。
func (pb *ScenePromptBuilder) Build(in SceneInput) ScenePrompt {
	// --- 1. System Prompt の構築 ---
	var ss strings.Builder
	ss.WriteString(sceneSystemInstruction)
	if pb.styleSuffix != "" {
		ss.WriteString(fmt.Sprintf("\n\n### GLOBAL VISUAL STYLE ###\n%s", pb.styleSuffix))
	}

	// --- 2. User Prompt の構築 ---
	var us strings.Builder
	us.WriteString(fmt.Sprintf("### SCENE ###\n%s\n\n", strings.TrimSpace(in.SceneText)))

	included := pb.characterMap.Subset(in.Included)
	refs := make([]string, 0, len(included))

	if len(included) > 0 {
		us.WriteString("### CHARACTERS IN THIS SCENE (STRICT IDENTITY) ###\n")
		for i, char := range included {
			cues := "None"
			if len(char.VisualCues) > 0 {
				cues = strings.Join(char.VisualCues, ", ")
			}
			ref := char.ReferenceFor(pb.style, in.Clothing)
			us.WriteString(fmt.Sprintf("- SUBJECT [%s]: IDENTITY_REF_#%d. FEATURES: {%s}\n", char.Name, i+1, cues))
			if ref != "" {
				refs = append(refs, ref)
			}
		}
		if in.Clothing != "" {
			us.WriteString(fmt.Sprintf("- WARDROBE: all characters wear their %s outfits.\n", in.Clothing))
		}
		us.WriteString("\n")
	}

	// 登場しないキャラクターの明示的な除外
	if excluded := pb.excludedNames(in.Included); len(excluded) > 0 {
		us.WriteString("### CHARACTERS EXCLUDED FROM THIS SCENE ###\n")
		us.WriteString(fmt.Sprintf("- Do NOT depict: %s. No additional people or figures.\n\n", strings.Join(excluded, ", ")))
	}

	if len(in.VisualBible) > 0 {
		us.WriteString("### RECURRING VISUAL ELEMENTS ###\n")
		for _, elem := range in.VisualBible {
			us.WriteString(fmt.Sprintf("- %s\n", elem))
		}
		us.WriteString("\n")
	}

	if in.Feedback != "" {
		us.WriteString("### FEEDBACK FROM THE PREVIOUS ATTEMPT (MUST ADDRESS) ###\n")
		us.WriteString(in.Feedback)
		us.WriteString("\n\n")
	}

	us.WriteString(fmt.Sprintf("### QUALITY ###\n%s\n", CinematicTags))

	return ScenePrompt{
		UserPrompt:    us.String(),
		SystemPrompt:  ss.String(),
		ReferenceURLs: refs,
	}
}

// excludedNames は Included に含まれないキャラクター名を決定論的な順序で返します。
func (pb *ScenePromptBuilder) excludedNames(included []string) []string {
	includedSet := make(map[string]struct{}, len(included))
	for _, id := range included {
		includedSet[id] = struct{}{}
	}

	var names []string
	for _, id := range pb.characterMap.SortedIDs() {
		if _, ok := includedSet[id]; ok {
			continue
		}
		names = append(names, pb.characterMap[id].Name)
	}
	return names
}

// BuildRetryFeedback は失敗した評価結果を次の試行プロンプトに畳み込む
// フィードバック文を生成します。
func BuildRetryFeedback(reasoning string, targets domain.FixTargets) string {
	var sb strings.Builder
	if reasoning != "" {
		sb.WriteString(strings.TrimSpace(reasoning))
	}
	for _, desc := range targets.Descriptions() {
		sb.WriteString(fmt.Sprintf("\n- Fix: %s", desc))
	}
	return sb.String()
}
