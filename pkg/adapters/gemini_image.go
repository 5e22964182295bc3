package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	imageKit "github.com/shouni/gemini-image-kit/pkg/adapters"
	imagedom "github.com/shouni/gemini-image-kit/pkg/domain"
	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-http-kit/pkg/httpkit"

	"github.com/shouni/go-storybook-kit/pkg/domain"
)

// pageClient は gemini-image-kit のページ生成アダプターに要求する契約です。
type pageClient interface {
	GenerateMangaPage(ctx context.Context, req imagedom.ImagePageRequest) (*imagedom.ImageResponse, error)
}

// GeminiImageGenerator は gemini-image-kit のアダプターを
// ImageGenerator 契約に適合させるラッパーです。
type GeminiImageGenerator struct {
	client pageClient
	model  string
}

// NewGeminiImageGenerator は画像処理コアとAIクライアントからジェネレーターを構築します。
func NewGeminiImageGenerator(httpClient httpkit.ClientInterface, aiClient gemini.GenerativeModel, imageModel string) *GeminiImageGenerator {
	// 参照画像のダウンロード結果を保持するキャッシュ
	imgCache := cache.New(30*time.Minute, 1*time.Hour)
	core := imageKit.NewGeminiImageCore(httpClient, imgCache, 1*time.Hour)

	return &GeminiImageGenerator{
		client: imageKit.NewGeminiMangaPageAdapter(core, aiClient, imageModel),
		model:  imageModel,
	}
}

// Model は使用中の画像生成モデル名を返します。
func (g *GeminiImageGenerator) Model() string {
	return g.model
}

// Generate は要求をキットのリクエスト形式に変換して画像を生成します。
// レート制限・ポリシー拒否はエラー分類（ErrRateLimited 等）へ写像されるため、
// 呼び出し側は品質不足との区別に errors.Is を使用できます。
func (g *GeminiImageGenerator) Generate(ctx context.Context, req GenerateRequest) (*domain.ImageRef, error) {
	refURLs := req.ReferenceURLs
	if req.BaseImage != nil && req.BaseImage.URI != "" {
		// 部分補修では元画像を先頭リファレンスとして渡します。
		refURLs = append([]string{req.BaseImage.URI}, refURLs...)
	}

	kitReq := imagedom.ImagePageRequest{
		Prompt:         req.Prompt,
		SystemPrompt:   req.SystemPrompt,
		NegativePrompt: req.NegativePrompt,
		AspectRatio:    req.AspectRatio,
		ReferenceURLs:  refURLs,
		Seed:           req.Seed,
	}

	resp, err := g.client.GenerateMangaPage(ctx, kitReq)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	return &domain.ImageRef{Data: resp.Data, MimeType: resp.MimeType}, nil
}

// classifyProviderError はプロバイダのエラーメッセージを Capability エラー分類へ写像します。
func classifyProviderError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "resource_exhausted"), strings.Contains(msg, "429"):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	case strings.Contains(msg, "blocked"), strings.Contains(msg, "safety"), strings.Contains(msg, "prohibited"):
		return fmt.Errorf("%w: %v", ErrContentBlocked, err)
	default:
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
}
