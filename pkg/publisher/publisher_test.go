package publisher

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/shouni/go-storybook-kit/pkg/consistency"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// memWriter は書き込み内容をメモリに保持するスタブライターです。
type memWriter struct {
	files map[string][]byte
}

func newMemWriter() *memWriter {
	return &memWriter{files: map[string][]byte{}}
}

func (w *memWriter) Write(ctx context.Context, path string, r io.Reader, mimeType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.files[path] = data
	return nil
}

func TestBuildReportMarkdown(t *testing.T) {
	book := domain.NewBook("book-1", "テストの絵本")

	t.Run("問題なしのレポート", func(t *testing.T) {
		report := &domain.ConsistencyReport{
			BookID:     "book-1",
			CheckedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Consistent: true,
		}
		md := BuildReportMarkdown(report, book)
		if !strings.Contains(md, "問題は検出されませんでした") {
			t.Errorf("Markdown に完了文言が無い:\n%s", md)
		}
	})

	t.Run("問題はテーブル行として出力される", func(t *testing.T) {
		report := &domain.ConsistencyReport{
			BookID:    "book-1",
			CheckedAt: time.Now(),
			Issues: []domain.ConsistencyIssue{
				{Character: "Luis", Pages: []int{2, 5}, Kind: domain.IssueMissing,
					Severity: domain.SeverityMedium, Description: "Luis not detected in any face"},
			},
		}
		md := BuildReportMarkdown(report, book)
		if !strings.Contains(md, "| Luis | missing | medium | 2, 5 | Luis not detected in any face |") {
			t.Errorf("テーブル行の形式が誤っている:\n%s", md)
		}
	})
}

func TestBookPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("未保存のアクティブ版だけが保存されURIが差し替わる", func(t *testing.T) {
		book := domain.NewBook("book-1", "テストの絵本")
		saved := domain.NewImageVersion(domain.KindOriginal, domain.ImageRef{URI: "output/images/page_1.png"}, "p", "m")
		fresh := domain.NewImageVersion(domain.KindRegeneration, domain.ImageRef{Data: []byte{1, 2}, MimeType: "image/png"}, "p", "m")
		fresh.IsActive = true
		if err := book.AddPage(&domain.Page{Number: 1, SceneText: "s", Versions: []domain.ImageVersion{saved, fresh}}); err != nil {
			t.Fatal(err)
		}

		w := newMemWriter()
		pub := NewBookPublisher(w)
		paths, err := pub.SavePageImages(ctx, book, Options{OutputDir: "output"})
		if err != nil {
			t.Fatalf("SavePageImages がエラーを返した: %v", err)
		}
		if len(paths) != 1 {
			t.Fatalf("保存数 = %d, want 1: %v", len(paths), paths)
		}
		version, _ := book.Pages[1].ActiveVersion()
		if version.Image.URI == "" || version.Image.Data != nil {
			t.Errorf("URI への差し替えが行われていない: %+v", version.Image)
		}
	})

	t.Run("SaveBook は台帳込みのJSONを書き込む", func(t *testing.T) {
		book := domain.NewBook("book-1", "テストの絵本")
		if err := book.AddPage(&domain.Page{Number: 1, SceneText: "s"}); err != nil {
			t.Fatal(err)
		}

		w := newMemWriter()
		pub := NewBookPublisher(w)
		path, err := pub.SaveBook(ctx, book, Options{OutputDir: "output"})
		if err != nil {
			t.Fatalf("SaveBook がエラーを返した: %v", err)
		}
		if !strings.Contains(string(w.files[path]), `"book-1"`) {
			t.Errorf("保存内容にブックIDが無い:\n%s", w.files[path])
		}
	})

	t.Run("破棄された補修候補が無ければレビュー一覧は書かれない", func(t *testing.T) {
		w := newMemWriter()
		pub := NewBookPublisher(w)
		path, err := pub.PublishReviewBundle(ctx, []*consistency.EntityRepairResult{
			{Page: 1, Character: "Noel", Rejected: false},
		}, Options{OutputDir: "output"})
		if err != nil {
			t.Fatal(err)
		}
		if path != "" || len(w.files) != 0 {
			t.Errorf("何も書かれないはず: path=%q files=%v", path, w.files)
		}
	})

	t.Run("破棄された補修候補は画像と一覧が保存される", func(t *testing.T) {
		w := newMemWriter()
		pub := NewBookPublisher(w)
		results := []*consistency.EntityRepairResult{
			{
				Page: 2, Character: "Noel", Rejected: true,
				BeforeScore: 60, AfterScore: 55,
				Before:    domain.ImageRef{URI: "output/images/page_2.png"},
				After:     domain.ImageRef{Data: []byte{9}, MimeType: "image/png"},
				Reference: "gs://refs/noel.png",
			},
		}
		path, err := pub.PublishReviewBundle(ctx, results, Options{OutputDir: "output"})
		if err != nil {
			t.Fatalf("PublishReviewBundle がエラーを返した: %v", err)
		}
		md := string(w.files[path])
		if !strings.Contains(md, "## Page 2: Noel") {
			t.Errorf("レビュー見出しが無い:\n%s", md)
		}
		if results[0].After.URI == "" {
			t.Error("候補画像の保存パスが記録されていない")
		}
		if !strings.Contains(md, results[0].After.URI) {
			t.Errorf("一覧から候補画像が参照されていない:\n%s", md)
		}
	})
}
