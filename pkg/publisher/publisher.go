package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shouni/go-remote-io/pkg/remoteio"

	"github.com/shouni/go-storybook-kit/pkg/asset"
	"github.com/shouni/go-storybook-kit/pkg/consistency"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// Options はパブリッシュ動作を制御する設定項目です。
type Options struct {
	OutputDir string
}

// PublishResult はパブリッシュ処理の結果として生成されたファイルの情報を保持します。
type PublishResult struct {
	BookPath   string   // 保存された book.json のパス
	ReportPath string   // 生成された一貫性レポートのパス（レポートが無ければ空）
	ReviewPath string   // 生成されたレビュー一覧のパス（対象が無ければ空）
	ImagePaths []string // 保存された全挿絵のパスリスト
}

// BookPublisher は成果物の永続化とフォーマット変換を担います。
// 保存先はローカルパスと GCS URI の両方に対応します。
type BookPublisher struct {
	writer remoteio.OutputWriter
}

// NewBookPublisher は新しい BookPublisher を生成します。
func NewBookPublisher(writer remoteio.OutputWriter) *BookPublisher {
	return &BookPublisher{writer: writer}
}

// SavePageImages はバイト列のままのアクティブ版画像を保存し、ImageRef の
// URI を保存先パスに差し替えます。保存済み（URI あり）のバージョンは
// 触りません。
func (p *BookPublisher) SavePageImages(ctx context.Context, book *domain.Book, opts Options) ([]string, error) {
	imgDir, err := asset.ResolveOutputPath(opts.OutputDir, asset.DefaultImageDir)
	if err != nil {
		return nil, err
	}
	basePath, err := asset.ResolveOutputPath(imgDir, asset.DefaultPageFileName)
	if err != nil {
		return nil, fmt.Errorf("出力パスの解決に失敗しました: %w", err)
	}

	var saved []string
	for _, num := range book.PageNumbers() {
		page := book.Pages[num]
		for i := range page.Versions {
			version := &page.Versions[i]
			if version.Image.URI != "" || len(version.Image.Data) == 0 {
				continue
			}
			pagePath, err := asset.GenerateIndexedPath(basePath, num)
			if err != nil {
				return nil, fmt.Errorf("ページ %d の出力パス生成に失敗しました: %w", num, err)
			}
			if !version.IsActive {
				// 非アクティブ版は連番の枝パスに退避します。
				pagePath, err = asset.GenerateIndexedPath(pagePath, i+1)
				if err != nil {
					return nil, err
				}
			}

			slog.InfoContext(ctx, "挿絵を保存しています", "page", num, "path", pagePath)
			if err := p.writer.Write(ctx, pagePath, bytes.NewReader(version.Image.Data), version.Image.MimeType); err != nil {
				return nil, fmt.Errorf("第 %d ページの保存に失敗しました (path: %s): %w", num, pagePath, err)
			}
			version.Image.URI = pagePath
			version.Image.Data = nil
			saved = append(saved, pagePath)
		}
	}
	return saved, nil
}

// SaveActivePageImage は指定ページのアクティブ版だけを保存し、ImageRef の
// URI を保存先パスに差し替えます。補修パスは元画像を URI で参照するため、
// 未保存の挿絵を補修する前にこれで永続化します。保存済みならそのまま
// 既存の URI を返します。
func (p *BookPublisher) SaveActivePageImage(ctx context.Context, book *domain.Book, pageNumber int, opts Options) (string, error) {
	page, err := book.Page(pageNumber)
	if err != nil {
		return "", err
	}
	active, _ := page.ActiveVersion()
	if active == nil {
		return "", fmt.Errorf("ページ %d にアクティブ版がありません", pageNumber)
	}
	if active.Image.URI != "" {
		return active.Image.URI, nil
	}
	if len(active.Image.Data) == 0 {
		return "", fmt.Errorf("ページ %d のアクティブ版に画像データがありません", pageNumber)
	}

	imgDir, err := asset.ResolveOutputPath(opts.OutputDir, asset.DefaultImageDir)
	if err != nil {
		return "", err
	}
	basePath, err := asset.ResolveOutputPath(imgDir, asset.DefaultPageFileName)
	if err != nil {
		return "", fmt.Errorf("出力パスの解決に失敗しました: %w", err)
	}
	pagePath, err := asset.GenerateIndexedPath(basePath, pageNumber)
	if err != nil {
		return "", fmt.Errorf("ページ %d の出力パス生成に失敗しました: %w", pageNumber, err)
	}

	slog.InfoContext(ctx, "挿絵を保存しています", "page", pageNumber, "path", pagePath)
	if err := p.writer.Write(ctx, pagePath, bytes.NewReader(active.Image.Data), active.Image.MimeType); err != nil {
		return "", fmt.Errorf("第 %d ページの保存に失敗しました (path: %s): %w", pageNumber, pagePath, err)
	}
	active.Image.URI = pagePath
	active.Image.Data = nil
	return pagePath, nil
}

// PageImageStore は OutputDir を固定した単一ページ保存のヘルパーです。
// 生成ワークフローが出力設定を持ち回らずに挿絵を永続化できるようにします。
type PageImageStore struct {
	pub  *BookPublisher
	opts Options
}

// NewPageImageStore は PageImageStore を生成します。
func NewPageImageStore(pub *BookPublisher, opts Options) *PageImageStore {
	return &PageImageStore{pub: pub, opts: opts}
}

// SaveActivePageImage は束ねた設定でアクティブ版の挿絵を保存します。
func (s *PageImageStore) SaveActivePageImage(ctx context.Context, book *domain.Book, pageNumber int) (string, error) {
	return s.pub.SaveActivePageImage(ctx, book, pageNumber, s.opts)
}

// SaveBook はブックの状態（台帳・履歴込み）を JSON として保存します。
func (p *BookPublisher) SaveBook(ctx context.Context, book *domain.Book, opts Options) (string, error) {
	bookPath, err := asset.ResolveOutputPath(opts.OutputDir, asset.DefaultBookFileName)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(book, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ブックのJSONエンコードに失敗しました: %w", err)
	}
	if err := p.writer.Write(ctx, bookPath, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("ブックの保存に失敗しました (path: %s): %w", bookPath, err)
	}
	return bookPath, nil
}

// PublishReport は一貫性レポートを Markdown として保存します。
func (p *BookPublisher) PublishReport(ctx context.Context, report *domain.ConsistencyReport, book *domain.Book, opts Options) (string, error) {
	reportPath, err := asset.ResolveOutputPath(opts.OutputDir, asset.DefaultReportFileName)
	if err != nil {
		return "", err
	}

	md := BuildReportMarkdown(report, book)
	if err := p.writer.Write(ctx, reportPath, bytes.NewReader([]byte(md)), "text/markdown"); err != nil {
		return "", fmt.Errorf("レポートの保存に失敗しました (path: %s): %w", reportPath, err)
	}
	return reportPath, nil
}

// PublishReviewBundle は破棄された補修候補の画像と一覧を保存します。
// 破棄された候補画像は review ディレクトリに退避され、一覧の Markdown から
// 参照されます。レビュー対象が無い場合は何も書き込まず空文字列を返します。
func (p *BookPublisher) PublishReviewBundle(ctx context.Context, results []*consistency.EntityRepairResult, opts Options) (string, error) {
	hasRejected := false
	for _, res := range results {
		if res != nil && res.Rejected {
			hasRejected = true
			break
		}
	}
	if !hasRejected {
		return "", nil
	}

	reviewDir, err := asset.ResolveOutputPath(opts.OutputDir, "review")
	if err != nil {
		return "", err
	}
	for _, res := range results {
		if res == nil || !res.Rejected || len(res.After.Data) == 0 {
			continue
		}
		name := fmt.Sprintf("page_%d_%s.png", res.Page, res.Character)
		afterPath, err := asset.ResolveOutputPath(reviewDir, name)
		if err != nil {
			return "", err
		}
		if err := p.writer.Write(ctx, afterPath, bytes.NewReader(res.After.Data), res.After.MimeType); err != nil {
			return "", fmt.Errorf("補修候補の保存に失敗しました (path: %s): %w", afterPath, err)
		}
		res.After.URI = afterPath
	}

	reviewPath, err := asset.ResolveOutputPath(opts.OutputDir, asset.DefaultReviewFileName)
	if err != nil {
		return "", err
	}
	md := BuildReviewMarkdown(results)
	if err := p.writer.Write(ctx, reviewPath, bytes.NewReader([]byte(md)), "text/markdown"); err != nil {
		return "", fmt.Errorf("レビュー一覧の保存に失敗しました (path: %s): %w", reviewPath, err)
	}
	return reviewPath, nil
}
