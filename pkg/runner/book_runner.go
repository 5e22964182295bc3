package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/ledger"
	"github.com/shouni/go-storybook-kit/pkg/publisher"
	"github.com/shouni/go-storybook-kit/pkg/workflow"
)

// BookRunner は台本の読み込みからページ生成、成果物の保存までを管理するのだ。
type BookRunner struct {
	cfg     *config.Config
	manager *workflow.Manager
}

// NewBookRunner は設定とワークフローマネージャを依存性として注入して初期化するのだ。
func NewBookRunner(cfg *config.Config, manager *workflow.Manager) *BookRunner {
	return &BookRunner{cfg: cfg, manager: manager}
}

// LoadBook は実行オプションに従ってブックを読み込むのだ。
// --book-file が指定されていれば保存済みのブック状態を、
// そうでなければ --script-file の Markdown 台本をパースして新しいブックを返すのだ。
func (r *BookRunner) LoadBook(ctx context.Context, opts config.GenerateOptions) (*domain.Book, error) {
	if opts.BookFile != "" {
		book, err := r.manager.Parser().LoadBookFromPath(ctx, opts.BookFile)
		if err != nil {
			return nil, fmt.Errorf("ブックの読み込みに失敗したのだ: %w", err)
		}
		return book, nil
	}

	if opts.ScriptFile == "" {
		return nil, fmt.Errorf("--script-file か --book-file のどちらかが必要なのだ")
	}

	bookID := bookIDFromPath(opts.ScriptFile)
	book, err := r.manager.Parser().ParseScriptFromPath(ctx, bookID, opts.ScriptFile)
	if err != nil {
		return nil, fmt.Errorf("台本のパースに失敗したのだ: %w", err)
	}

	if opts.CharacterConfig != "" {
		chars, err := domain.LoadCharacters(opts.CharacterConfig)
		if err != nil {
			return nil, err
		}
		book.Characters = chars
	}
	return book, nil
}

// RunAndSave はブックの全ページ（--page 指定時は1ページ）を生成し、
// 画像とブック状態を保存してブックファイルのパスを返すのだ。
func (r *BookRunner) RunAndSave(ctx context.Context, book *domain.Book, opts config.GenerateOptions) (string, error) {
	if opts.DryRun {
		slog.Info("ドライランなのだ。生成はスキップするのだ",
			"book", book.ID, "pages", len(book.Pages), "characters", len(book.Characters))
		return "", nil
	}

	lg := ledger.New(book)
	svc := r.manager.Service()

	if opts.Page > 0 {
		outcome, err := svc.GeneratePage(ctx, book, lg, opts.Page)
		if err != nil {
			return "", fmt.Errorf("ページ %d の生成に失敗したのだ: %w", opts.Page, err)
		}
		if !outcome.Accepted {
			slog.Warn("品質基準に届かなかったのだ", "page", opts.Page, "score", outcome.Score)
		}
	} else {
		if err := svc.GenerateBook(ctx, book, lg); err != nil {
			return "", fmt.Errorf("ブック生成に失敗したのだ: %w", err)
		}
	}

	return r.save(ctx, book, opts)
}

// save は生成済みの画像バイナリとブック状態を出力先へ書き出すのだ。
func (r *BookRunner) save(ctx context.Context, book *domain.Book, opts config.GenerateOptions) (string, error) {
	pubOpts := publisher.Options{OutputDir: opts.OutputDir}
	pub := r.manager.Publisher()

	paths, err := pub.SavePageImages(ctx, book, pubOpts)
	if err != nil {
		return "", fmt.Errorf("ページ画像の保存に失敗したのだ: %w", err)
	}
	for _, p := range paths {
		slog.Info("ページ画像を保存したのだ", "path", p)
	}

	bookPath, err := pub.SaveBook(ctx, book, pubOpts)
	if err != nil {
		return "", fmt.Errorf("ブック状態の保存に失敗したのだ: %w", err)
	}
	slog.Info("ブック状態を保存したのだ", "path", bookPath)
	return bookPath, nil
}

// bookIDFromPath は台本ファイル名（拡張子なし）をブックIDとして使うのだ。
func bookIDFromPath(scriptPath string) string {
	base := filepath.Base(scriptPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
