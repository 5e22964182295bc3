package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/ledger"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
)

// EntityRepairResult は1ページ・1キャラクター分の一貫性補修の結果です。
// Rejected の場合、補修候補は採用されず、人間のレビューのために
// 補修前・補修後・リファレンスの3点が保持されます。
type EntityRepairResult struct {
	Page      int    `json:"page"`
	Character string `json:"character"`

	BeforeScore int  `json:"before_score"`
	AfterScore  int  `json:"after_score"`
	Rejected    bool `json:"rejected"`

	Before    domain.ImageRef `json:"before"`
	After     domain.ImageRef `json:"after"`
	Reference string          `json:"reference"`

	// Version は採用された場合に台帳へ追記されたバージョンです。
	Version *domain.ImageVersion `json:"version,omitempty"`

	// Err はブック単位の補修で、このページの処理が失敗した場合に設定されます。
	Err error `json:"-"`
}

// ImageStore は未保存の挿絵を永続化して ImageRef に URI を付与します。
// 画像生成クライアントは元画像を URI でしか受け取れないため、差し替え生成の
// 前段で必要になります。
type ImageStore interface {
	SaveActivePageImage(ctx context.Context, book *domain.Book, pageNumber int) (string, error)
}

// EntityRepairer はリファレンスからの外見乖離を顔差し替えで補修します。
type EntityRepairer struct {
	composer *generator.Composer
	catalog  *prompts.PromptCatalog
	matcher  *Matcher
	images   ImageStore
	model    string

	threshold int
	workers   int
}

// NewEntityRepairer は EntityRepairer を生成します。
func NewEntityRepairer(composer *generator.Composer, catalog *prompts.PromptCatalog, matcher *Matcher, images ImageStore, model string, threshold, workers int) *EntityRepairer {
	return &EntityRepairer{
		composer:  composer,
		catalog:   catalog,
		matcher:   matcher,
		images:    images,
		model:     model,
		threshold: threshold,
		workers:   workers,
	}
}

// RepairPage は指定ページ上の指定キャラクターを補修します。
// 補修前後でリファレンス類似スコアを測定し、厳密に改善した場合のみ
// 新バージョンとして台帳に追記・アクティブ化します。改善しなかった場合は
// 台帳に触れず、Rejected の結果を返します（エラーではありません）。
// どちらの場合もリトライ履歴には1エントリが追記されます。
func (r *EntityRepairer) RepairPage(ctx context.Context, book *domain.Book, lg *ledger.Ledger, pageNumber int, characterName string) (*EntityRepairResult, error) {
	page, err := book.Page(pageNumber)
	if err != nil {
		return nil, err
	}
	active, _ := page.ActiveVersion()
	if active == nil || active.Image.IsZero() {
		return nil, fmt.Errorf("ページ %d には補修対象の画像がありません", pageNumber)
	}
	char := book.Characters.FindByName(characterName)
	if char == nil {
		return nil, fmt.Errorf("キャラクター '%s' が定義されていません", characterName)
	}
	ref := char.ReferenceFor(book.Style, page.Clothing)
	if ref == "" {
		return nil, fmt.Errorf("キャラクター '%s' にはリファレンス画像が定義されていません", characterName)
	}

	// 差し替え生成は元画像を URI で参照します。直前の補修で採用されたばかりの
	// 版などバイト列のままの場合は、先に永続化して URI を付与します。
	if active.Image.URI == "" && r.images != nil {
		if _, err := r.images.SaveActivePageImage(ctx, book, pageNumber); err != nil {
			return nil, fmt.Errorf("補修元画像の保存に失敗しました: %w", err)
		}
	}
	if active.Image.URI == "" {
		return nil, fmt.Errorf("ページ %d の元画像に URI が無いため補修できません", pageNumber)
	}

	region, err := r.locateCharacter(ctx, book, page, active, char)
	if err != nil {
		return nil, err
	}

	before, err := compareCharacter(ctx, r.composer, r.catalog, active.Image, char.Name, region, ref)
	if err != nil {
		return nil, fmt.Errorf("補修前の類似評価に失敗しました: %w", err)
	}

	prompt, err := r.catalog.Build(prompts.TemplateFaceSwap, map[string]any{
		"Region": region,
		"Issues": []string{fmt.Sprintf("%s の外見がリファレンスと一致していません: %s", char.Name, before.Reasoning)},
	})
	if err != nil {
		return nil, fmt.Errorf("差し替えプロンプトの構築に失敗しました: %w", err)
	}

	candidate, err := r.composer.GenerateImage(ctx, adapters.GenerateRequest{
		Prompt:         prompt,
		NegativePrompt: prompts.NegativeScenePrompt,
		BaseImage:      &active.Image,
		ReferenceURLs:  []string{ref},
	})
	if err != nil {
		return nil, fmt.Errorf("差し替え画像の生成に失敗しました: %w", err)
	}

	after, err := compareCharacter(ctx, r.composer, r.catalog, *candidate, char.Name, region, ref)
	if err != nil {
		return nil, fmt.Errorf("補修後の類似評価に失敗しました: %w", err)
	}

	result := &EntityRepairResult{
		Page:        pageNumber,
		Character:   char.Name,
		BeforeScore: before.Score,
		AfterScore:  after.Score,
		Before:      active.Image,
		After:       *candidate,
		Reference:   ref,
	}

	entry := domain.RetryHistoryEntry{
		Attempt:         page.NextAttempt(),
		Type:            domain.HistoryAutoRepair,
		Score:           after.Score,
		CreatedAt:       time.Now().UTC(),
		PreRepairScore:  &before.Score,
		PostRepairScore: &after.Score,
		FixTargets: domain.FixTargets{{
			Box:         region,
			Description: fmt.Sprintf("%s のリファレンス乖離", char.Name),
			Severity:    domain.SeverityHigh,
			Category:    domain.CategoryCharacterMismatch,
		}},
	}

	logger := slog.With("page", pageNumber, "character", char.Name,
		"before_score", before.Score, "after_score", after.Score)

	if after.Score <= before.Score {
		// 改善しなかった候補は破棄します。現行画像の方がまだマシです。
		result.Rejected = true
		if err := lg.AppendHistory(pageNumber, entry); err != nil {
			return nil, err
		}
		logger.Info("一貫性補修の結果が改善しなかったため破棄しました")
		return result, nil
	}

	version := domain.NewImageVersion(domain.KindEntityRepair, *candidate, prompt, r.model)
	version.Score = after.Score
	version.Reasoning = after.Reasoning
	version.Characters = updateRegion(active.Characters, char.Name, region)
	if _, err := lg.Append(pageNumber, version); err != nil {
		return nil, err
	}
	if err := lg.AppendHistory(pageNumber, entry); err != nil {
		return nil, err
	}
	result.Version = &version
	logger.Info("一貫性補修の結果を採用しました")
	return result, nil
}

// RepairBook はレポートで drift が報告された全 (ページ, キャラクター) 対を
// 補修します。並列化の単位はページです: 同一ページのキャラクターは
// 1つのゴルーチン内で直列に補修し、台帳への追記とアクティブ版の参照が
// 同じページで交錯しないようにします。ブック単位の補修はアトミックでは
// ありません: あるページの失敗は結果の Err に記録され、他のページの補修は
// 続行されます。キャンセルはページ境界で協調的に反映されます。
func (r *EntityRepairer) RepairBook(ctx context.Context, book *domain.Book, lg *ledger.Ledger, report *domain.ConsistencyReport) ([]*EntityRepairResult, error) {
	type target struct {
		page      int
		character string
	}
	seen := make(map[target]struct{})
	perPage := make(map[int][]string)
	var pages []int
	for _, issue := range report.Issues {
		if issue.Kind != domain.IssueDrift {
			// 重複出現や不在は顔差し替えでは直せません。レポートに残し、
			// 再生成の判断は人間に委ねます。
			continue
		}
		for _, p := range issue.Pages {
			t := target{page: p, character: issue.Character}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			if _, ok := perPage[p]; !ok {
				pages = append(pages, p)
			}
			perPage[p] = append(perPage[p], issue.Character)
		}
	}

	// 各ページの結果の書き込み先は互いに重ならない区間に固定します。
	offsets := make(map[int]int, len(pages))
	total := 0
	for _, p := range pages {
		offsets[p] = total
		total += len(perPage[p])
	}
	results := make([]*EntityRepairResult, total)

	var eg errgroup.Group
	eg.SetLimit(r.workers)
	for _, pageNumber := range pages {
		names := perPage[pageNumber]
		base := offsets[pageNumber]
		eg.Go(func() error {
			for j, name := range names {
				// キャンセル後は新しい補修に着手しません。
				if ctx.Err() != nil {
					return nil
				}
				res, err := r.RepairPage(ctx, book, lg, pageNumber, name)
				if err != nil {
					res = &EntityRepairResult{Page: pageNumber, Character: name, Err: err}
					slog.Warn("ページの一貫性補修に失敗しました",
						"page", pageNumber, "character", name, "error", err)
				}
				results[base+j] = res
			}
			return nil
		})
	}
	_ = eg.Wait()

	// キャンセルでスキップされた枠を詰めます。
	compacted := results[:0]
	for _, res := range results {
		if res != nil {
			compacted = append(compacted, res)
		}
	}
	return compacted, ctx.Err()
}

// locateCharacter は補修対象キャラクターの顔領域を特定します。
// 評価パス由来の既知領域を優先し、無ければ検出とマッチングで探し、
// それでも見つからなければ画像全体を対象にします。
func (r *EntityRepairer) locateCharacter(ctx context.Context, book *domain.Book, page *domain.Page, active *domain.ImageVersion, char *domain.Character) (domain.BBox, error) {
	for _, known := range active.Characters {
		if known.Name == char.Name {
			return known.Box, nil
		}
	}

	detected, err := r.composer.DetectRegions(ctx, active.Image)
	if err != nil {
		return domain.BBox{}, fmt.Errorf("顔領域の検出に失敗しました: %w", err)
	}
	match := r.matcher.Match(detected, active.Characters, book.Characters.Subset(page.Characters))
	for _, asg := range match.Assignments {
		if asg.Character == char.Name {
			return asg.Box, nil
		}
	}

	// 位置を特定できない場合は全体を編集対象とします。
	return domain.BBox{X: 0, Y: 0, Width: 1, Height: 1}, nil
}

// updateRegion は既知領域のうち指定キャラクターの矩形を差し替えます。
func updateRegion(known []domain.CharacterRegion, name string, box domain.BBox) []domain.CharacterRegion {
	updated := make([]domain.CharacterRegion, len(known))
	copy(updated, known)
	for i := range updated {
		if updated[i].Name == name {
			updated[i].Box = box
			updated[i].Issues = nil
			return updated
		}
	}
	return append(updated, domain.CharacterRegion{Name: name, Box: box, Confidence: 1})
}
