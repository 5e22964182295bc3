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

// GenerateOutcome は品質ゲート付き生成ループの終端状態です。
// Accepted=false（ゲート枯渇）はエラーではなく正常な終端であり、
// 履歴と合わせて呼び出し側（または人間）の判断材料になります。
type GenerateOutcome struct {
	Image      domain.ImageRef
	Prompt     string // 採用された試行のプロンプト
	Score      int
	Reasoning  string
	FixTargets domain.FixTargets
	Characters []domain.CharacterRegion
	Accepted   bool
	History    []domain.RetryHistoryEntry
}

// PromptFunc は試行ごとのリクエストを組み立てます。feedback は前回失敗の
// フィードバック文で、初回は空文字列です。
type PromptFunc func(feedback string) adapters.GenerateRequest

// RetryController は品質ゲート付きのリトライループを駆動します。
type RetryController struct {
	composer  *Composer
	threshold int // 受理スコア（例: 80/100）
}

// NewRetryController は RetryController を生成します。
func NewRetryController(composer *Composer, threshold int) *RetryController {
	return &RetryController{composer: composer, threshold: threshold}
}

// Generate は最大 maxAttempts 回まで生成と評価を繰り返します。
// スコアが閾値に達した時点で即座に返します。全試行が閾値未満だった場合は
// 「最後の」試行を返します（最高スコアの試行ではありません — 履歴から
// 過去の試行を選び直すのは呼び出し側の判断です）。
// Capability 自体の失敗は品質不足と混同せず、エラーとして伝播します。
func (rc *RetryController) Generate(ctx context.Context, build PromptFunc, evalCtx *adapters.EvalContext, maxAttempts, startAttempt int) (*GenerateOutcome, error) {
	if maxAttempts < 1 {
		return nil, fmt.Errorf("maxAttempts は1以上である必要があります: %d", maxAttempts)
	}

	var outcome *GenerateOutcome
	feedback := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req := build(feedback)
		logger := slog.With("attempt", attempt, "max_attempts", maxAttempts)
		logger.Info("挿絵の生成を開始します")

		startTime := time.Now()
		img, err := rc.composer.GenerateImage(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("画像生成 Capability が失敗しました (attempt %d): %w", attempt, err)
		}

		eval, err := rc.composer.EvaluateImage(ctx, *img, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("視覚評価 Capability が失敗しました (attempt %d): %w", attempt, err)
		}

		logger.Info("試行の評価が完了しました",
			"score", eval.Score,
			"threshold", rc.threshold,
			"duration", time.Since(startTime).Round(time.Millisecond),
		)

		entry := domain.RetryHistoryEntry{
			Attempt:   startAttempt + attempt - 1,
			Type:      domain.HistoryGeneration,
			Score:     eval.Score,
			CreatedAt: time.Now().UTC(),
		}

		var history []domain.RetryHistoryEntry
		if outcome != nil {
			history = outcome.History
		}

		outcome = &GenerateOutcome{
			Image:      *img,
			Prompt:     req.Prompt,
			Score:      eval.Score,
			Reasoning:  eval.Reasoning,
			FixTargets: eval.FixTargets,
			Characters: eval.Characters,
			Accepted:   eval.Score >= rc.threshold,
			History:    append(history, entry),
		}

		if outcome.Accepted {
			return outcome, nil
		}

		// 不採用の試行はキャッシュから破棄し、次の試行で同じ画像が
		// 返らないようにします。
		rc.composer.Invalidate(req)
		feedback = prompts.BuildRetryFeedback(eval.Reasoning, eval.FixTargets)
	}

	slog.Info("品質ゲートの試行回数を使い切りました（最終試行を返します）",
		"final_score", outcome.Score,
		"attempts", maxAttempts,
	)
	return outcome, nil
}
