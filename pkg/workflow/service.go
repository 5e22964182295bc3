package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/consistency"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/ledger"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
)

// ImageStore は生成直後の挿絵を永続化して ImageRef に URI を付与します。
// 画像生成クライアントは元画像を URI でしか受け取れないため、
// 補修パスの前段で必要になります。
type ImageStore interface {
	SaveActivePageImage(ctx context.Context, book *domain.Book, pageNumber int) (string, error)
}

// Service は絵本の挿絵ライフサイクル操作（生成・反復・補修・一貫性）の
// 中核サービスです。ブックと台帳は呼び出し側が保持し、Service 自体は
// ブック横断で共有されるステートレスなコンポーネント束です。
type Service struct {
	composer *generator.Composer
	retry    *generator.RetryController
	repair   *generator.RepairEngine
	checker  *consistency.Checker
	repairer *consistency.EntityRepairer
	catalog  *prompts.PromptCatalog
	images   ImageStore

	imageModel  string
	styleSuffix string

	threshold    int
	maxAttempts  int
	repairPasses int
	pageWorkers  int
}

// GeneratePage は指定ページの挿絵を品質ゲート付きで生成し、台帳に追記します。
// ゲートを通らないまま試行が尽きた場合も最終試行が記録され、残存する
// FixTarget があれば局所補修パスで救済を試みます。
func (s *Service) GeneratePage(ctx context.Context, book *domain.Book, lg *ledger.Ledger, pageNumber int) (*generator.GenerateOutcome, error) {
	page, err := book.Page(pageNumber)
	if err != nil {
		return nil, err
	}

	builder := prompts.NewScenePromptBuilder(book.Characters, book.Style, s.styleSuffix)
	base := builder.Build(s.sceneInput(book, page, ""))

	build := func(feedback string) adapters.GenerateRequest {
		sp := builder.Build(s.sceneInput(book, page, feedback))
		return adapters.GenerateRequest{
			Prompt:         sp.UserPrompt,
			SystemPrompt:   sp.SystemPrompt,
			NegativePrompt: prompts.NegativeScenePrompt,
			ReferenceURLs:  sp.ReferenceURLs,
		}
	}
	evalCtx := &adapters.EvalContext{
		Prompt:        base.UserPrompt,
		StoryText:     page.SceneText,
		ReferenceURLs: base.ReferenceURLs,
	}

	outcome, err := s.retry.Generate(ctx, build, evalCtx, s.maxAttempts, page.NextAttempt())
	if err != nil {
		return nil, fmt.Errorf("ページ %d の生成に失敗しました: %w", pageNumber, err)
	}

	kind := domain.KindRegeneration
	if len(page.Versions) == 0 && page.LegacyImageURL == "" {
		kind = domain.KindOriginal
	}
	version := domain.NewImageVersion(kind, outcome.Image, outcome.Prompt, s.imageModel)
	version.Score = outcome.Score
	version.Reasoning = outcome.Reasoning
	version.FixTargets = outcome.FixTargets
	version.Characters = outcome.Characters

	if _, err := lg.Append(pageNumber, version); err != nil {
		return nil, err
	}
	if err := lg.AppendHistory(pageNumber, outcome.History...); err != nil {
		return nil, err
	}
	page.Prompt = outcome.Prompt

	// ゲート不通過かつ修正対象が特定できている場合は局所補修で救済します。
	// 補修の元画像は URI で渡すため、生成したての挿絵はまず永続化します。
	// URI を用意できないまま補修すると元画像なしの再生成に化けてしまうので、
	// その場合は救済を見送ります。
	if !outcome.Accepted && len(outcome.FixTargets) > 0 {
		active, _ := page.ActiveVersion()
		if active != nil && active.Image.URI == "" && s.images != nil {
			if _, err := s.images.SaveActivePageImage(ctx, book, pageNumber); err != nil {
				slog.Warn("補修前の挿絵保存に失敗したため救済補修を見送ります",
					"page", pageNumber, "error", err)
				return outcome, nil
			}
		}
		if active == nil || active.Image.URI == "" {
			slog.Warn("元画像の URI を用意できないため救済補修を見送ります", "page", pageNumber)
			return outcome, nil
		}
		outcome.Image = active.Image

		repaired, err := s.repairCurrent(ctx, book, lg, pageNumber, generator.StrategyInpaint, evalCtx)
		if err != nil {
			return nil, err
		}
		if repaired != nil {
			outcome.Image = repaired.Image
			outcome.Score = repaired.PostScore
			outcome.FixTargets = repaired.FixTargets
			outcome.Accepted = repaired.PostScore >= s.threshold
		}
	}
	return outcome, nil
}

// GenerateBook はアクティブ版の無い全ページを限定並列で生成します。
func (s *Service) GenerateBook(ctx context.Context, book *domain.Book, lg *ledger.Ledger) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.pageWorkers)

	for _, num := range book.PageNumbers() {
		page := book.Pages[num]
		if active, _ := page.ActiveVersion(); active != nil || page.LegacyImageURL != "" {
			continue
		}
		eg.Go(func() error {
			outcome, err := s.GeneratePage(egCtx, book, lg, num)
			if err != nil {
				return err
			}
			if !outcome.Accepted {
				slog.Warn("品質ゲートを通らないままページを記録しました",
					"page", num, "score", outcome.Score)
			}
			return nil
		})
	}
	return eg.Wait()
}

// IteratePage は現行のアクティブ版に対する批評を取得し、それを次回プロンプトへ
// 畳み込んで再生成します。mode は "strict"（全指摘）または "focused"
// （影響の大きい指摘のみ）です。
func (s *Service) IteratePage(ctx context.Context, book *domain.Book, lg *ledger.Ledger, pageNumber int, mode string) (*generator.GenerateOutcome, error) {
	page, err := book.Page(pageNumber)
	if err != nil {
		return nil, err
	}
	active, _ := page.ActiveVersion()
	if active == nil || active.Image.IsZero() {
		return nil, fmt.Errorf("ページ %d にはまだ挿絵がありません。先に生成してください", pageNumber)
	}

	instruction, err := s.catalog.Build(prompts.TemplateCritique, map[string]any{
		"PageNumber": pageNumber,
		"SceneText":  page.SceneText,
		"Mode":       mode,
	})
	if err != nil {
		return nil, fmt.Errorf("批評プロンプトの構築に失敗しました: %w", err)
	}
	critique, err := s.composer.EvaluateImage(ctx, active.Image, &adapters.EvalContext{Instruction: instruction})
	if err != nil {
		return nil, fmt.Errorf("現行挿絵の批評に失敗しました: %w", err)
	}
	critiqueFeedback := prompts.BuildRetryFeedback(critique.Reasoning, critique.FixTargets)

	builder := prompts.NewScenePromptBuilder(book.Characters, book.Style, s.styleSuffix)
	base := builder.Build(s.sceneInput(book, page, ""))

	build := func(feedback string) adapters.GenerateRequest {
		combined := critiqueFeedback
		if feedback != "" {
			combined = combined + "\n" + feedback
		}
		sp := builder.Build(s.sceneInput(book, page, combined))
		return adapters.GenerateRequest{
			Prompt:         sp.UserPrompt,
			SystemPrompt:   sp.SystemPrompt,
			NegativePrompt: prompts.NegativeScenePrompt,
			ReferenceURLs:  sp.ReferenceURLs,
		}
	}
	evalCtx := &adapters.EvalContext{
		Prompt:        base.UserPrompt,
		StoryText:     page.SceneText,
		ReferenceURLs: base.ReferenceURLs,
	}

	outcome, err := s.retry.Generate(ctx, build, evalCtx, s.maxAttempts, page.NextAttempt())
	if err != nil {
		return nil, fmt.Errorf("ページ %d の反復生成に失敗しました: %w", pageNumber, err)
	}

	version := domain.NewImageVersion(domain.KindIteration, outcome.Image, outcome.Prompt, s.imageModel)
	version.Score = outcome.Score
	version.Reasoning = outcome.Reasoning
	version.FixTargets = outcome.FixTargets
	version.Characters = outcome.Characters
	if _, err := lg.Append(pageNumber, version); err != nil {
		return nil, err
	}
	if err := lg.AppendHistory(pageNumber, outcome.History...); err != nil {
		return nil, err
	}
	page.Prompt = outcome.Prompt
	return outcome, nil
}

// RepairPage はアクティブ版の FixTarget 群（無ければ検査パスで導出）に
// 対する局所補修を実行します。改善した場合のみ新バージョンが追記されます。
func (s *Service) RepairPage(ctx context.Context, book *domain.Book, lg *ledger.Ledger, pageNumber int, strategy generator.RepairStrategy) (*generator.RepairOutcome, error) {
	page, err := book.Page(pageNumber)
	if err != nil {
		return nil, err
	}
	active, _ := page.ActiveVersion()
	if active == nil || active.Image.IsZero() {
		return nil, fmt.Errorf("ページ %d には補修対象の画像がありません", pageNumber)
	}

	builder := prompts.NewScenePromptBuilder(book.Characters, book.Style, s.styleSuffix)
	base := builder.Build(s.sceneInput(book, page, ""))
	evalCtx := &adapters.EvalContext{
		Prompt:        base.UserPrompt,
		StoryText:     page.SceneText,
		ReferenceURLs: base.ReferenceURLs,
	}
	return s.repairCurrent(ctx, book, lg, pageNumber, strategy, evalCtx)
}

// repairCurrent はアクティブ版への補修パスを実行し、採用されれば台帳へ追記します。
func (s *Service) repairCurrent(ctx context.Context, book *domain.Book, lg *ledger.Ledger, pageNumber int, strategy generator.RepairStrategy, evalCtx *adapters.EvalContext) (*generator.RepairOutcome, error) {
	page, err := book.Page(pageNumber)
	if err != nil {
		return nil, err
	}
	active, _ := page.ActiveVersion()
	if active == nil {
		return nil, fmt.Errorf("ページ %d にアクティブ版がありません", pageNumber)
	}

	req := generator.RepairRequest{
		Image:         active.Image,
		Targets:       active.FixTargets,
		Strategy:      strategy,
		ReferenceURLs: evalCtx.ReferenceURLs,
		EvalCtx:       evalCtx,
		StartAttempt:  page.NextAttempt(),
	}
	if active.Score > 0 {
		score := active.Score
		req.PreScore = &score
	}

	out, err := s.repair.Repair(ctx, req, s.repairPasses)
	if err != nil {
		return nil, fmt.Errorf("ページ %d の補修に失敗しました: %w", pageNumber, err)
	}
	if err := lg.AppendHistory(pageNumber, out.History...); err != nil {
		return nil, err
	}
	if !out.Improved {
		return out, nil
	}

	version := domain.NewImageVersion(domain.KindRepair, out.Image, active.Description, s.imageModel)
	version.Score = out.PostScore
	version.Reasoning = active.Reasoning
	version.FixTargets = out.FixTargets
	version.Characters = active.Characters
	if _, err := lg.Append(pageNumber, version); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckConsistency はブック全体のキャラクター一貫性レポートを生成します。
func (s *Service) CheckConsistency(ctx context.Context, book *domain.Book) (*domain.ConsistencyReport, error) {
	return s.checker.Check(ctx, book)
}

// RepairEntity は1ページ上の1キャラクターの外見乖離を補修します。
func (s *Service) RepairEntity(ctx context.Context, book *domain.Book, lg *ledger.Ledger, pageNumber int, character string) (*consistency.EntityRepairResult, error) {
	return s.repairer.RepairPage(ctx, book, lg, pageNumber, character)
}

// RepairEntities はレポートで乖離が報告された全対を一括補修します。
func (s *Service) RepairEntities(ctx context.Context, book *domain.Book, lg *ledger.Ledger, report *domain.ConsistencyReport) ([]*consistency.EntityRepairResult, error) {
	return s.repairer.RepairBook(ctx, book, lg, report)
}

// SetActiveVersion は指定ページのアクティブ版を過去バージョンへ切り替えます。
func (s *Service) SetActiveVersion(lg *ledger.Ledger, pageNumber, index int) error {
	return lg.SetActive(pageNumber, index)
}

// sceneInput はページからプロンプト組立ての入力を構成します。
// 台本に明示的なプロンプトがある場合はシーン本文より優先します。
func (s *Service) sceneInput(book *domain.Book, page *domain.Page, feedback string) prompts.SceneInput {
	text := page.SceneText
	if page.Prompt != "" && page.SceneText == "" {
		text = page.Prompt
	}
	return prompts.SceneInput{
		SceneText:   text,
		Clothing:    page.Clothing,
		Included:    page.Characters,
		VisualBible: book.VisualBible,
		Feedback:    feedback,
	}
}
