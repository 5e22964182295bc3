package consistency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
)

// Checker はブック全体のキャラクター一貫性を検査します。
// 各ページのアクティブ版に対して顔検出とマッチングを行い、割り当てられた
// 顔を正準リファレンスと比較して外見の乖離を検出します。
type Checker struct {
	composer *generator.Composer
	catalog  *prompts.PromptCatalog
	matcher  *Matcher

	// threshold を下回る類似スコアは drift として報告します。
	threshold int
	workers   int
}

// NewChecker は Checker を生成します。
func NewChecker(composer *generator.Composer, catalog *prompts.PromptCatalog, matcher *Matcher, threshold, workers int) *Checker {
	return &Checker{
		composer:  composer,
		catalog:   catalog,
		matcher:   matcher,
		threshold: threshold,
		workers:   workers,
	}
}

// Check はブックの全ページを限定並列で検査し、レポートを返します。
// レポートは毎回ゼロから再計算され、過去のレポートとはマージされません。
// 画像が未生成のページは対象外です。
func (c *Checker) Check(ctx context.Context, book *domain.Book) (*domain.ConsistencyReport, error) {
	report := &domain.ConsistencyReport{
		BookID:    book.ID,
		CheckedAt: time.Now().UTC(),
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(c.workers)

	for _, num := range book.PageNumbers() {
		eg.Go(func() error {
			issues, err := c.checkPage(egCtx, book, num)
			if err != nil {
				return fmt.Errorf("ページ %d の一貫性チェックに失敗しました: %w", num, err)
			}
			mu.Lock()
			report.Issues = append(report.Issues, issues...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	report.Issues = mergeIssues(report.Issues)
	report.Consistent = len(report.Issues) == 0
	return report, nil
}

// checkPage は1ページ分の問題を収集します。
func (c *Checker) checkPage(ctx context.Context, book *domain.Book, num int) ([]domain.ConsistencyIssue, error) {
	page, err := book.Page(num)
	if err != nil {
		return nil, err
	}
	active, _ := page.ActiveVersion()
	if active == nil || active.Image.IsZero() {
		return nil, nil
	}
	expected := book.Characters.Subset(page.Characters)
	if len(expected) == 0 {
		return nil, nil
	}

	detected, err := c.composer.DetectRegions(ctx, active.Image)
	if err != nil {
		return nil, err
	}

	match := c.matcher.Match(detected, active.Characters, expected)

	var issues []domain.ConsistencyIssue
	for _, issue := range match.Issues {
		issue.Pages = []int{num}
		issues = append(issues, issue)
	}

	for _, asg := range match.Assignments {
		char := book.Characters.FindByName(asg.Character)
		if char == nil {
			continue
		}
		ref := char.ReferenceFor(book.Style, page.Clothing)
		if ref == "" {
			// リファレンスが未定義のキャラクターは比較のしようがありません。
			continue
		}
		eval, err := compareCharacter(ctx, c.composer, c.catalog, active.Image, asg.Character, asg.Box, ref)
		if err != nil {
			return nil, err
		}
		if eval.Score >= c.threshold {
			continue
		}
		severity := domain.SeverityMedium
		if eval.Score < c.threshold/2 {
			severity = domain.SeverityHigh
		}
		issues = append(issues, domain.ConsistencyIssue{
			Character:   asg.Character,
			Pages:       []int{num},
			Kind:        domain.IssueDrift,
			Description: eval.Reasoning,
			Severity:    severity,
		})
	}
	return issues, nil
}

// compareCharacter は指定領域のキャラクターを正準リファレンスと比較評価します。
func compareCharacter(
	ctx context.Context,
	composer *generator.Composer,
	catalog *prompts.PromptCatalog,
	image domain.ImageRef,
	character string,
	region domain.BBox,
	referenceURL string,
) (*adapters.Evaluation, error) {
	instruction, err := catalog.Build(prompts.TemplateCompare, map[string]any{
		"Character": character,
		"Region":    region,
	})
	if err != nil {
		return nil, fmt.Errorf("比較プロンプトの構築に失敗しました: %w", err)
	}
	eval, err := composer.EvaluateImage(ctx, image, &adapters.EvalContext{
		Instruction:   instruction,
		ReferenceURLs: []string{referenceURL},
	})
	if err != nil {
		return nil, fmt.Errorf("リファレンス比較に失敗しました: %w", err)
	}
	return eval, nil
}

// mergeIssues は同一内容の問題をページ横断でまとめ、決定論的に整列します。
// duplicate/missing は説明文が同一なのでページ一覧に集約され、drift は
// ページごとの理由が残ります。
func mergeIssues(issues []domain.ConsistencyIssue) []domain.ConsistencyIssue {
	type key struct {
		character   string
		kind        domain.IssueKind
		description string
	}
	merged := make(map[key]*domain.ConsistencyIssue)
	order := make([]key, 0, len(issues))
	for _, issue := range issues {
		k := key{issue.Character, issue.Kind, issue.Description}
		if existing, ok := merged[k]; ok {
			existing.Pages = append(existing.Pages, issue.Pages...)
			continue
		}
		copied := issue
		merged[k] = &copied
		order = append(order, k)
	}

	result := make([]domain.ConsistencyIssue, 0, len(order))
	for _, k := range order {
		issue := merged[k]
		sort.Ints(issue.Pages)
		result = append(result, *issue)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Character != result[j].Character {
			return result[i].Character < result[j].Character
		}
		if result[i].Kind != result[j].Kind {
			return result[i].Kind < result[j].Kind
		}
		if len(result[i].Pages) > 0 && len(result[j].Pages) > 0 {
			return result[i].Pages[0] < result[j].Pages[0]
		}
		return false
	})
	return result
}
