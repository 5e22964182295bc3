package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-remote-io/pkg/gcsfactory"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/runner"
	"github.com/shouni/go-storybook-kit/pkg/workflow"
)

// appContext は、1回のコマンド実行で共有するコンポーネント一式なのだ。
type appContext struct {
	cfg     *config.Config
	manager *workflow.Manager
	books   *runner.BookRunner
}

// setupAppContext は、提供された設定を使ってアプリケーションコンテキストを初期化するのだ。
// HTTPクライアント、GCS対応のリーダー/ライター、ワークフローマネージャを一度だけ組み立てるのだ。
func setupAppContext(ctx context.Context, cfg *config.Config) (*appContext, error) {
	timeout := cfg.Options.HTTPTimeout
	if timeout <= 0 {
		timeout = config.DefaultHTTPTimeout
	}
	httpClient := httpkit.New(timeout)

	gcsFactory, err := gcsfactory.NewGCSClientFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client factory: %w", err)
	}
	reader, err := gcsFactory.NewInputReader()
	if err != nil {
		return nil, err
	}
	writer, err := gcsFactory.NewOutputWriter()
	if err != nil {
		return nil, err
	}

	manager, err := workflow.New(ctx, workflow.ManagerArgs{
		Config:     cfg,
		HTTPClient: httpClient,
		Reader:     reader,
		Writer:     writer,
	})
	if err != nil {
		return nil, fmt.Errorf("ワークフローの初期化に失敗したのだ: %w", err)
	}

	return &appContext{
		cfg:     cfg,
		manager: manager,
		books:   runner.NewBookRunner(cfg, manager),
	}, nil
}

// loadBook は実行オプションに従ってブックを読み込む共通ステップなのだ。
func (a *appContext) loadBook(ctx context.Context) (*domain.Book, error) {
	return a.books.LoadBook(ctx, a.cfg.Options)
}

// ExecuteGenerate は台本からブック全体（または1ページ）を生成して保存するのだ。
func ExecuteGenerate(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	book, err := appCtx.loadBook(ctx)
	if err != nil {
		return err
	}

	slog.Info("Phase 1: ページ生成を開始するのだ...", "book", book.ID, "pages", len(book.Pages))
	bookPath, err := appCtx.books.RunAndSave(ctx, book, cfg.Options)
	if err != nil {
		return err
	}
	if bookPath != "" {
		slog.Info("ブックの生成が完了したのだ", "book_file", bookPath)
	}
	return nil
}

// ExecuteIterate は保存済みブックの1ページを批評付きで再生成するのだ。
func ExecuteIterate(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	book, err := appCtx.loadBook(ctx)
	if err != nil {
		return err
	}
	return runner.NewRepairRunner(cfg, appCtx.manager).Iterate(ctx, book, cfg.Options)
}

// ExecuteRepair はアクティブ版の指摘領域を局所補修するのだ。
// --character 指定時はリファレンスに寄せた顔修復に切り替わるのだ。
func ExecuteRepair(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	book, err := appCtx.loadBook(ctx)
	if err != nil {
		return err
	}

	repairs := runner.NewRepairRunner(cfg, appCtx.manager)
	if cfg.Options.Character != "" {
		return repairs.RepairEntity(ctx, book, cfg.Options)
	}
	return repairs.Repair(ctx, book, cfg.Options)
}

// ExecuteCheck はブック全体のキャラクター一貫性を検査してレポートを保存するのだ。
func ExecuteCheck(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	book, err := appCtx.loadBook(ctx)
	if err != nil {
		return err
	}

	report, err := runner.NewConsistencyRunner(cfg, appCtx.manager).RunAndSave(ctx, book, cfg.Options)
	if err != nil {
		return err
	}
	if !report.Consistent {
		slog.Warn("一貫性の問題が見つかったのだ", "issues", len(report.Issues))
	}
	return nil
}

// ExecuteSetActive はページのアクティブ版を切り替えるのだ。
func ExecuteSetActive(ctx context.Context, cfg *config.Config) error {
	appCtx, err := setupAppContext(ctx, cfg)
	if err != nil {
		return err
	}
	book, err := appCtx.loadBook(ctx)
	if err != nil {
		return err
	}
	return runner.NewRepairRunner(cfg, appCtx.manager).SetActive(ctx, book, cfg.Options)
}
