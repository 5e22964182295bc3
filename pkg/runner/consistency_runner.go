package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/ledger"
	"github.com/shouni/go-storybook-kit/pkg/publisher"
	"github.com/shouni/go-storybook-kit/pkg/workflow"
)

// ConsistencyRunner は生成済みブックのキャラクター一貫性チェックと
// レポート保存、必要に応じた自動修復までを管理するのだ。
type ConsistencyRunner struct {
	cfg     *config.Config
	manager *workflow.Manager
}

// NewConsistencyRunner は設定とワークフローマネージャを注入して初期化するのだ。
func NewConsistencyRunner(cfg *config.Config, manager *workflow.Manager) *ConsistencyRunner {
	return &ConsistencyRunner{cfg: cfg, manager: manager}
}

// RunAndSave は一貫性チェックを実行してレポートを保存するのだ。
// --auto-repair が有効なら逸脱キャラクターの顔修復まで行い、
// 却下された修復候補はレビュー用バンドルとして書き出すのだ。
func (r *ConsistencyRunner) RunAndSave(ctx context.Context, book *domain.Book, opts config.GenerateOptions) (*domain.ConsistencyReport, error) {
	svc := r.manager.Service()
	pub := r.manager.Publisher()
	pubOpts := publisher.Options{OutputDir: opts.OutputDir}

	report, err := svc.CheckConsistency(ctx, book)
	if err != nil {
		return nil, fmt.Errorf("一貫性チェックに失敗したのだ: %w", err)
	}
	slog.Info("一貫性チェックが完了したのだ",
		"book", book.ID, "consistent", report.Consistent, "issues", len(report.Issues))

	reportPath, err := pub.PublishReport(ctx, report, book, pubOpts)
	if err != nil {
		return nil, fmt.Errorf("レポートの保存に失敗したのだ: %w", err)
	}
	slog.Info("一貫性レポートを保存したのだ", "path", reportPath)

	if report.Consistent || !opts.AutoRepair {
		return report, nil
	}

	lg := ledger.New(book)
	results, err := svc.RepairEntities(ctx, book, lg, report)
	if err != nil {
		return report, fmt.Errorf("自動修復に失敗したのだ: %w", err)
	}
	for _, res := range results {
		if res.Rejected {
			slog.Warn("修復候補が却下されたのだ。人間のレビューが必要なのだ",
				"page", res.Page, "character", res.Character,
				"before", res.BeforeScore, "after", res.AfterScore)
			continue
		}
		slog.Info("顔修復を適用したのだ",
			"page", res.Page, "character", res.Character,
			"before", res.BeforeScore, "after", res.AfterScore)
	}

	reviewPath, err := pub.PublishReviewBundle(ctx, results, pubOpts)
	if err != nil {
		return report, fmt.Errorf("レビューバンドルの保存に失敗したのだ: %w", err)
	}
	if reviewPath != "" {
		slog.Info("却下候補のレビューバンドルを保存したのだ", "path", reviewPath)
	}

	// 修復でバージョンが増えているので、画像とブック状態を保存し直すのだ。
	if _, err := pub.SavePageImages(ctx, book, pubOpts); err != nil {
		return report, fmt.Errorf("修復後の画像保存に失敗したのだ: %w", err)
	}
	if _, err := pub.SaveBook(ctx, book, pubOpts); err != nil {
		return report, fmt.Errorf("修復後のブック保存に失敗したのだ: %w", err)
	}
	return report, nil
}
