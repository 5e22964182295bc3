package consistency

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
)

// fakeImageGen は固定ペイロードを返すスタブジェネレーターです。
type fakeImageGen struct {
	calls int64
}

func (f *fakeImageGen) Generate(ctx context.Context, req adapters.GenerateRequest) (*domain.ImageRef, error) {
	n := atomic.AddInt64(&f.calls, 1)
	return &domain.ImageRef{Data: []byte{byte(n)}, MimeType: "image/png"}, nil
}

// fakeEvaluator はスクリプト化された評価結果を順に返すスタブです。
// 同時実行数を記録するので、直列であるべき経路の検証にも使えます。
type fakeEvaluator struct {
	evals       []adapters.Evaluation
	idx         int64
	inFlight    int64
	maxInFlight int64
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, image domain.ImageRef, evalCtx *adapters.EvalContext) (*adapters.Evaluation, error) {
	cur := atomic.AddInt64(&f.inFlight, 1)
	defer atomic.AddInt64(&f.inFlight, -1)
	for {
		max := atomic.LoadInt64(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt64(&f.maxInFlight, max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	i := int(atomic.AddInt64(&f.idx, 1)) - 1
	if i >= len(f.evals) {
		i = len(f.evals) - 1
	}
	eval := f.evals[i]
	return &eval, nil
}

// fakeImageStore はアクティブ版の挿絵にメモリ上の URI を付与するスタブです。
type fakeImageStore struct{}

func (f *fakeImageStore) SaveActivePageImage(ctx context.Context, book *domain.Book, pageNumber int) (string, error) {
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
	uri := fmt.Sprintf("mem://pages/page_%d.png", pageNumber)
	active.Image.URI = uri
	active.Image.Data = nil
	return uri, nil
}

// fakeDetector は固定の検出結果を返すスタブです。
type fakeDetector struct {
	regions []adapters.DetectedRegion
}

func (f *fakeDetector) Detect(ctx context.Context, image domain.ImageRef) ([]adapters.DetectedRegion, error) {
	return f.regions, nil
}

func newTestComposer(gen adapters.ImageGenerator, eval adapters.VisionEvaluator, det adapters.RegionDetector) *generator.Composer {
	return generator.NewComposer(gen, eval, det, rate.NewLimiter(rate.Inf, 1), time.Minute)
}

func newCatalog(t *testing.T) *prompts.PromptCatalog {
	t.Helper()
	catalog, err := prompts.NewPromptCatalog()
	if err != nil {
		t.Fatalf("カタログの初期化に失敗した: %v", err)
	}
	return catalog
}

// newTestBook は2キャラクター・1ページ構成のテスト用ブックを返します。
func newTestBook() *domain.Book {
	eyewearOn := true
	eyewearOff := false
	book := domain.NewBook("book-1", "テストの絵本")
	book.Style = "watercolor"
	book.Characters = domain.CharactersMap{
		"noel": {
			ID:           "noel",
			Name:         "Noel",
			Traits:       domain.CharacterTraits{Eyewear: &eyewearOn},
			ReferenceURL: "gs://refs/noel.png",
		},
		"luis": {
			ID:           "luis",
			Name:         "Luis",
			Traits:       domain.CharacterTraits{Eyewear: &eyewearOff},
			ReferenceURL: "gs://refs/luis.png",
		},
	}
	return book
}

// addActivePage はアクティブ版を1つ持つページをブックに追加します。
func addActivePage(book *domain.Book, number int, characters []string, known []domain.CharacterRegion) *domain.Page {
	version := domain.NewImageVersion(domain.KindOriginal, domain.ImageRef{URI: "gs://pages/p.png"}, "prompt", "test-model")
	version.IsActive = true
	version.Characters = known
	page := &domain.Page{
		Number:     number,
		Characters: characters,
		Versions:   []domain.ImageVersion{version},
	}
	if err := book.AddPage(page); err != nil {
		panic(err)
	}
	return page
}
