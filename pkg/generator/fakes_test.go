package generator

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// fakeImageGen は呼び出し回数を記録するスタブジェネレーターです。
type fakeImageGen struct {
	calls int64
	delay time.Duration
	err   error
}

func (f *fakeImageGen) Generate(ctx context.Context, req adapters.GenerateRequest) (*domain.ImageRef, error) {
	n := atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ImageRef{Data: []byte{byte(n)}, MimeType: "image/png"}, nil
}

func (f *fakeImageGen) callCount() int64 {
	return atomic.LoadInt64(&f.calls)
}

// fakeEvaluator はスクリプト化されたスコア列を順に返すスタブ評価器です。
type fakeEvaluator struct {
	evals []adapters.Evaluation
	idx   int64
	err   error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, image domain.ImageRef, evalCtx *adapters.EvalContext) (*adapters.Evaluation, error) {
	if f.err != nil {
		return nil, f.err
	}
	i := int(atomic.AddInt64(&f.idx, 1)) - 1
	if i >= len(f.evals) {
		i = len(f.evals) - 1
	}
	eval := f.evals[i]
	return &eval, nil
}

// fakeDetector は固定の検出結果を返すスタブ検出器です。
type fakeDetector struct {
	regions []adapters.DetectedRegion
}

func (f *fakeDetector) Detect(ctx context.Context, image domain.ImageRef) ([]adapters.DetectedRegion, error) {
	return f.regions, nil
}

// newTestComposer はレート制限なしのテスト用 Composer を生成します。
func newTestComposer(gen adapters.ImageGenerator, eval adapters.VisionEvaluator) *Composer {
	return NewComposer(gen, eval, &fakeDetector{}, rate.NewLimiter(rate.Inf, 1), time.Minute)
}
