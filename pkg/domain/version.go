package domain

import (
	"time"

	"github.com/google/uuid"
)

// ImageRef は生成画像への不透明な参照です。
// 生成直後はバイト列を保持し、保存後は URI で参照されます。
type ImageRef struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// Data は未保存の画像ペイロード。永続化層の責務外なので JSON には含めません。
	Data []byte `json:"-"`
}

// IsZero は参照が空かどうかを返します。
func (r ImageRef) IsZero() bool {
	return r.URI == "" && len(r.Data) == 0
}

// VersionKind は ImageVersion を生み出した操作の種別です。
type VersionKind string

const (
	KindOriginal     VersionKind = "original"      // 初回生成（または台帳移行時の合成）
	KindRegeneration VersionKind = "regeneration"  // プロンプトからの再生成
	KindIteration    VersionKind = "iteration"     // 現行画像への批評を反映した再生成
	KindRepair       VersionKind = "repair"        // 局所補修
	KindEntityRepair VersionKind = "entity-repair" // キャラクター一貫性の補修
)

// ImageVersion はページに対する1回の描画試行の記録です。
// 台帳（ledger パッケージ）に追記されてからは payload を変更せず、
// IsActive フラグのみが切り替わります。
type ImageVersion struct {
	ID          string      `json:"id"`
	Image       ImageRef    `json:"image"`
	Description string      `json:"description"` // この画像を生んだプロンプト
	Model       string      `json:"model"`
	CreatedAt   time.Time   `json:"created_at"`
	Score       int         `json:"score"` // 0〜100 の品質スコア
	Reasoning   string      `json:"reasoning"`
	FixTargets  FixTargets  `json:"fix_targets,omitempty"`
	Kind        VersionKind `json:"kind"`
	IsActive    bool        `json:"is_active"`

	// Characters は評価パスが報告したキャラクターの位置情報です。
	// 一貫性チェックの顔マッチングで「既知領域」として使われます。
	Characters []CharacterRegion `json:"characters,omitempty"`
}

// NewImageVersion は ID と作成時刻を付与した ImageVersion を生成します。
func NewImageVersion(kind VersionKind, image ImageRef, description, model string) ImageVersion {
	return ImageVersion{
		ID:          uuid.NewString(),
		Image:       image,
		Description: description,
		Model:       model,
		CreatedAt:   time.Now().UTC(),
		Kind:        kind,
	}
}

// HistoryType はリトライ履歴エントリの種別です。
type HistoryType string

const (
	HistoryGeneration HistoryType = "generation"
	HistoryAutoRepair HistoryType = "auto_repair"
)

// RetryHistoryEntry は生成リトライまたは補修パスの1ステップの記録です。
// ページ単位で追記専用です。
type RetryHistoryEntry struct {
	Attempt   int         `json:"attempt"` // ページ内で単調増加
	Type      HistoryType `json:"type"`
	Score     int         `json:"score"` // generation: そのattemptの評価スコア
	CreatedAt time.Time   `json:"created_at"`

	// 補修パス (type=auto_repair) のみ使用します。
	PreRepairScore  *int       `json:"pre_repair_score,omitempty"`
	PostRepairScore *int       `json:"post_repair_score,omitempty"`
	FixTargets      FixTargets `json:"fix_targets,omitempty"`
}
