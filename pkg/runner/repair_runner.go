package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/consistency"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/ledger"
	"github.com/shouni/go-storybook-kit/pkg/publisher"
	"github.com/shouni/go-storybook-kit/pkg/workflow"
)

// RepairRunner は既存ページへの後処理（反復改善・局所補修・顔修復・
// アクティブ版の切り替え）を管理するのだ。
type RepairRunner struct {
	cfg     *config.Config
	manager *workflow.Manager
}

// NewRepairRunner は設定とワークフローマネージャを注入して初期化するのだ。
func NewRepairRunner(cfg *config.Config, manager *workflow.Manager) *RepairRunner {
	return &RepairRunner{cfg: cfg, manager: manager}
}

// Iterate はアクティブ版への批評を踏まえてページを再生成し、保存するのだ。
func (r *RepairRunner) Iterate(ctx context.Context, book *domain.Book, opts config.GenerateOptions) error {
	lg := ledger.New(book)
	outcome, err := r.manager.Service().IteratePage(ctx, book, lg, opts.Page, opts.Mode)
	if err != nil {
		return fmt.Errorf("ページ %d の反復改善に失敗したのだ: %w", opts.Page, err)
	}
	slog.Info("反復改善が完了したのだ", "page", opts.Page, "score", outcome.Score, "accepted", outcome.Accepted)
	return r.save(ctx, book, opts)
}

// Repair はアクティブ版の FixTargets に対して補修パスを実行して保存するのだ。
func (r *RepairRunner) Repair(ctx context.Context, book *domain.Book, opts config.GenerateOptions) error {
	strategy, err := parseStrategy(opts.Strategy)
	if err != nil {
		return err
	}

	lg := ledger.New(book)
	out, err := r.manager.Service().RepairPage(ctx, book, lg, opts.Page, strategy)
	if err != nil {
		return fmt.Errorf("ページ %d の補修に失敗したのだ: %w", opts.Page, err)
	}
	if out.Skipped {
		slog.Info("補修対象が無かったのだ", "page", opts.Page)
		return nil
	}
	if !out.Improved {
		slog.Warn("補修でスコアが改善しなかったのだ。元の版を維持するのだ", "page", opts.Page, "score", out.PostScore)
		return nil
	}
	slog.Info("補修が完了したのだ", "page", opts.Page, "score", out.PostScore)
	return r.save(ctx, book, opts)
}

// RepairEntity は指定キャラクターの顔をリファレンスに寄せて修復するのだ。
// 修復候補が却下された場合はレビュー用バンドルを書き出すのだ。
func (r *RepairRunner) RepairEntity(ctx context.Context, book *domain.Book, opts config.GenerateOptions) error {
	lg := ledger.New(book)
	res, err := r.manager.Service().RepairEntity(ctx, book, lg, opts.Page, opts.Character)
	if err != nil {
		return fmt.Errorf("キャラクター %q の修復に失敗したのだ: %w", opts.Character, err)
	}

	if res.Rejected {
		slog.Warn("修復候補が却下されたのだ。人間のレビューが必要なのだ",
			"page", res.Page, "character", res.Character,
			"before", res.BeforeScore, "after", res.AfterScore)
		pubOpts := publisher.Options{OutputDir: opts.OutputDir}
		reviewPath, err := r.manager.Publisher().PublishReviewBundle(ctx, []*consistency.EntityRepairResult{res}, pubOpts)
		if err != nil {
			return fmt.Errorf("レビューバンドルの保存に失敗したのだ: %w", err)
		}
		slog.Info("レビューバンドルを保存したのだ", "path", reviewPath)
		return nil
	}

	slog.Info("顔修復を適用したのだ", "page", res.Page, "character", res.Character,
		"before", res.BeforeScore, "after", res.AfterScore)
	return r.save(ctx, book, opts)
}

// SetActive はページのアクティブ版を指定インデックスに切り替えて保存するのだ。
func (r *RepairRunner) SetActive(ctx context.Context, book *domain.Book, opts config.GenerateOptions) error {
	lg := ledger.New(book)
	if err := r.manager.Service().SetActiveVersion(lg, opts.Page, opts.Version); err != nil {
		return fmt.Errorf("アクティブ版の切り替えに失敗したのだ: %w", err)
	}
	slog.Info("アクティブ版を切り替えたのだ", "page", opts.Page, "version", opts.Version)

	if _, err := r.manager.Publisher().SaveBook(ctx, book, publisher.Options{OutputDir: opts.OutputDir}); err != nil {
		return fmt.Errorf("ブック状態の保存に失敗したのだ: %w", err)
	}
	return nil
}

func (r *RepairRunner) save(ctx context.Context, book *domain.Book, opts config.GenerateOptions) error {
	pubOpts := publisher.Options{OutputDir: opts.OutputDir}
	pub := r.manager.Publisher()
	if _, err := pub.SavePageImages(ctx, book, pubOpts); err != nil {
		return fmt.Errorf("ページ画像の保存に失敗したのだ: %w", err)
	}
	if _, err := pub.SaveBook(ctx, book, pubOpts); err != nil {
		return fmt.Errorf("ブック状態の保存に失敗したのだ: %w", err)
	}
	return nil
}

func parseStrategy(s string) (generator.RepairStrategy, error) {
	switch generator.RepairStrategy(s) {
	case generator.StrategyInpaint, generator.StrategyFaceSwap:
		return generator.RepairStrategy(s), nil
	case "":
		return generator.StrategyInpaint, nil
	default:
		return "", fmt.Errorf("未知の補修戦略なのだ: %q (inpaint / faceswap)", s)
	}
}
