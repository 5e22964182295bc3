package generator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// Composer は Capability 呼び出しの共有配管（レート制限・メモ化・
// シングルフライト）を束ねるコンポーネントです。リトライ制御や補修
// エンジンはすべてここを経由して外部 API を呼び出します。
type Composer struct {
	ImageGen    adapters.ImageGenerator
	Evaluator   adapters.VisionEvaluator
	Detector    adapters.RegionDetector
	RateLimiter *rate.Limiter

	memo   *cache.Cache
	flight singleflight.Group
}

// NewComposer は Composer を初期化済みの状態で生成します。
func NewComposer(
	imgGen adapters.ImageGenerator,
	evaluator adapters.VisionEvaluator,
	detector adapters.RegionDetector,
	limiter *rate.Limiter,
	memoTTL time.Duration,
) *Composer {
	return &Composer{
		ImageGen:    imgGen,
		Evaluator:   evaluator,
		Detector:    detector,
		RateLimiter: limiter,
		memo:        cache.New(memoTTL, 2*memoTTL),
	}
}

// GenerateImage は画像を生成します。(プロンプト, リファレンス集合, 元画像)
// をキーとしてメモ化され、同一キーの並行リクエストは1回の生成に合流します
// （重複課金の防止）。新しい画像を強制するには先に Invalidate を呼びます。
func (c *Composer) GenerateImage(ctx context.Context, req adapters.GenerateRequest) (*domain.ImageRef, error) {
	key := requestKey(req)

	v, err, _ := c.flight.Do(key, func() (any, error) {
		if cached, ok := c.memo.Get(key); ok {
			return cached.(*domain.ImageRef), nil
		}

		if err := c.RateLimiter.Wait(ctx); err != nil {
			return nil, err
		}
		img, err := c.ImageGen.Generate(ctx, req)
		if err != nil {
			return nil, err
		}

		c.memo.Set(key, img, cache.DefaultExpiration)
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ImageRef), nil
}

// Invalidate は指定リクエストのメモ化キーを明示的に破棄します。
func (c *Composer) Invalidate(req adapters.GenerateRequest) {
	c.memo.Delete(requestKey(req))
}

// EvaluateImage はレート制限を通したうえで視覚評価を実行します。
func (c *Composer) EvaluateImage(ctx context.Context, image domain.ImageRef, evalCtx *adapters.EvalContext) (*adapters.Evaluation, error) {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Evaluator.Evaluate(ctx, image, evalCtx)
}

// DetectRegions はレート制限を通したうえで顔領域検出を実行します。
func (c *Composer) DetectRegions(ctx context.Context, image domain.ImageRef) ([]adapters.DetectedRegion, error) {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.Detector.Detect(ctx, image)
}

// requestKey は生成要求の内容から決定論的なキャッシュキーを導出します。
func requestKey(req adapters.GenerateRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(req.SystemPrompt))
	for _, url := range req.ReferenceURLs {
		h.Write([]byte{0})
		h.Write([]byte(url))
	}
	if req.BaseImage != nil {
		h.Write([]byte{1})
		if req.BaseImage.URI != "" {
			h.Write([]byte(req.BaseImage.URI))
		} else {
			h.Write(req.BaseImage.Data)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
