package generator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
)

// RepairStrategy は補修手法のタグ付きバリアントです。
// 呼び出し階層の深部で文字列フラグを分岐させる代わりに、
// エントリポイントで選択します。
type RepairStrategy string

const (
	StrategyInpaint  RepairStrategy = "inpaint"  // 領域を指定した局所修正
	StrategyFaceSwap RepairStrategy = "faceswap" // リファレンス顔への差し替え
)

// templateName は戦略に対応する補修テンプレート名を返します。
func (s RepairStrategy) templateName() (string, error) {
	switch s {
	case StrategyInpaint:
		return prompts.TemplateInpaint, nil
	case StrategyFaceSwap:
		return prompts.TemplateFaceSwap, nil
	default:
		return "", fmt.Errorf("不明な補修戦略です: '%s'", s)
	}
}

// RepairRequest は補修の入力です。
type RepairRequest struct {
	Image         domain.ImageRef
	Targets       domain.FixTargets // 空の場合は全体検査パスにフォールバック
	Strategy      RepairStrategy
	ReferenceURLs []string // faceswap 等で参照するリファレンス画像
	EvalCtx       *adapters.EvalContext
	PreScore      *int // 既知の場合は初回評価を省略
	StartAttempt  int  // 履歴の試行番号の開始値
}

// RepairOutcome は補修ループの終端状態です。
type RepairOutcome struct {
	Image      domain.ImageRef
	PreScore   int  // 補修前のスコア
	PostScore  int  // 最終的に保持している画像のスコア
	Improved   bool // 1パス以上でスコアが向上したか
	Skipped    bool // 補修が不要で何もしなかったか
	FixTargets domain.FixTargets // 最終画像に残存するターゲット
	History    []domain.RetryHistoryEntry
}

// RepairEngine は FixTarget 群に対する局所補修を実行します。
type RepairEngine struct {
	composer  *Composer
	catalog   *prompts.PromptCatalog
	threshold int
}

// NewRepairEngine は RepairEngine を生成します。
func NewRepairEngine(composer *Composer, catalog *prompts.PromptCatalog, threshold int) *RepairEngine {
	return &RepairEngine{composer: composer, catalog: catalog, threshold: threshold}
}

// Repair は最大 maxPasses 回の補修パスを実行します。
// 各パスはターゲット領域の合併に限定した編集を行い、再評価のスコアが
// パス前を下回らない場合のみ結果を採用します（同点の構造的修正は捨て
// ません）。スコアが閾値に達した時点で早期終了します。
// ターゲットが空でパス前スコアが既に閾値以上の場合は no-op です。
func (re *RepairEngine) Repair(ctx context.Context, req RepairRequest, maxPasses int) (*RepairOutcome, error) {
	if maxPasses < 1 {
		return nil, fmt.Errorf("maxPasses は1以上である必要があります: %d", maxPasses)
	}

	current := req.Image
	targets := req.Targets

	// パス前スコアの確定。未知の場合のみ評価します。
	preScore := 0
	if req.PreScore != nil {
		preScore = *req.PreScore
	} else {
		eval, err := re.composer.EvaluateImage(ctx, current, req.EvalCtx)
		if err != nil {
			return nil, fmt.Errorf("補修前の評価に失敗しました: %w", err)
		}
		preScore = eval.Score
		if len(targets) == 0 {
			targets = eval.FixTargets
		}
	}

	outcome := &RepairOutcome{
		Image:      current,
		PreScore:   preScore,
		PostScore:  preScore,
		FixTargets: targets,
	}

	// 修正対象がなく既に合格している場合は補修不要（エラーではない）。
	if len(targets) == 0 && preScore >= re.threshold {
		outcome.Skipped = true
		return outcome, nil
	}

	currentScore := preScore
	for pass := 1; pass <= maxPasses; pass++ {
		// ターゲット未指定のパスは全体検査で自前のターゲットを導出します。
		if len(targets) == 0 {
			eval, err := re.composer.EvaluateImage(ctx, current, req.EvalCtx)
			if err != nil {
				return nil, fmt.Errorf("検査パスの評価に失敗しました (pass %d): %w", pass, err)
			}
			targets = eval.FixTargets
			if len(targets) == 0 {
				// 検査が何も見つけなければこれ以上の補修はできません。
				break
			}
		}

		repaired, eval, err := re.repairOnce(ctx, current, targets, req)
		if err != nil {
			return nil, err
		}

		entry := domain.RetryHistoryEntry{
			Attempt:         req.StartAttempt + pass - 1,
			Type:            domain.HistoryAutoRepair,
			Score:           eval.Score,
			CreatedAt:       time.Now().UTC(),
			PreRepairScore:  intPtr(currentScore),
			PostRepairScore: intPtr(eval.Score),
			FixTargets:      targets,
		}
		outcome.History = append(outcome.History, entry)

		logger := slog.With("pass", pass, "pre_score", currentScore, "post_score", eval.Score)

		if eval.Score >= currentScore {
			// パス前を下回らない結果のみ採用します（補修は現行画像を
			// 劣化させてはなりません）。
			if eval.Score > currentScore {
				outcome.Improved = true
			}
			current = *repaired
			currentScore = eval.Score
			targets = eval.FixTargets
			outcome.Image = current
			outcome.PostScore = currentScore
			outcome.FixTargets = targets
			logger.Info("補修パスの結果を採用しました")
		} else {
			logger.Info("補修パスの結果がスコアを下げたため破棄しました")
		}

		if currentScore >= re.threshold {
			break
		}
	}

	return outcome, nil
}

// repairOnce は1パス分の局所編集と再評価を実行します。
func (re *RepairEngine) repairOnce(ctx context.Context, image domain.ImageRef, targets domain.FixTargets, req RepairRequest) (*domain.ImageRef, *adapters.Evaluation, error) {
	tmplName, err := req.Strategy.templateName()
	if err != nil {
		return nil, nil, err
	}

	prompt, err := re.catalog.Build(tmplName, map[string]any{
		"Region": targets.UnionBox(),
		"Issues": targets.Descriptions(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("補修プロンプトの構築に失敗しました: %w", err)
	}

	genReq := adapters.GenerateRequest{
		Prompt:         prompt,
		NegativePrompt: prompts.NegativeScenePrompt,
		BaseImage:      &image,
		ReferenceURLs:  req.ReferenceURLs,
	}

	repaired, err := re.composer.GenerateImage(ctx, genReq)
	if err != nil {
		return nil, nil, fmt.Errorf("補修の画像生成に失敗しました: %w", err)
	}

	eval, err := re.composer.EvaluateImage(ctx, *repaired, req.EvalCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("補修結果の評価に失敗しました: %w", err)
	}
	return repaired, eval, nil
}

func intPtr(v int) *int { return &v }
