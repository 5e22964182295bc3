package workflow

import (
	"context"
	"fmt"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-remote-io/pkg/remoteio"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/shouni/go-storybook-kit/internal/config"
	"github.com/shouni/go-storybook-kit/pkg/adapters"
	"github.com/shouni/go-storybook-kit/pkg/consistency"
	"github.com/shouni/go-storybook-kit/pkg/generator"
	"github.com/shouni/go-storybook-kit/pkg/parser"
	"github.com/shouni/go-storybook-kit/pkg/prompts"
	"github.com/shouni/go-storybook-kit/pkg/publisher"
)

const defaultGeminiTemperature = float32(0.1)

// ManagerArgs は Manager の構築に必要な依存一式です。
type ManagerArgs struct {
	Config     *config.Config
	HTTPClient httpkit.ClientInterface
	Reader     remoteio.InputReader  // Readerは、台本やブック状態の入力元です。
	Writer     remoteio.OutputWriter // Writerは、生成された内容を保存するための出力先です。
}

// Manager は、ワークフローの各工程を担うコンポーネント群を構築・管理します。
type Manager struct {
	cfg       *config.Config
	service   *Service
	parser    parser.Parser
	publisher *publisher.BookPublisher
}

// New は、設定と入出力の依存を基に新しい Manager を初期化します。
func New(ctx context.Context, args ManagerArgs) (*Manager, error) {
	if args.Config == nil {
		return nil, fmt.Errorf("Config は必須です")
	}
	if args.HTTPClient == nil {
		return nil, fmt.Errorf("httpClient は必須です")
	}
	if args.Reader == nil {
		return nil, fmt.Errorf("InputReader は必須です")
	}
	if args.Writer == nil {
		return nil, fmt.Errorf("OutputWriter は必須です")
	}

	aiClient, err := initializeAIClient(ctx, args.Config.GeminiAPIKey)
	if err != nil {
		return nil, err
	}
	visionClient, err := initializeVisionClient(ctx, args.Config.GeminiAPIKey)
	if err != nil {
		return nil, err
	}

	catalog, err := prompts.NewPromptCatalog()
	if err != nil {
		return nil, fmt.Errorf("プロンプトカタログの初期化に失敗しました: %w", err)
	}

	pub := publisher.NewBookPublisher(args.Writer)
	store := publisher.NewPageImageStore(pub, publisher.Options{OutputDir: args.Config.Options.OutputDir})

	service, err := buildService(args.Config, args.HTTPClient, aiClient, visionClient, catalog, store)
	if err != nil {
		return nil, fmt.Errorf("生成サービスの初期化に失敗しました: %w", err)
	}

	return &Manager{
		cfg:       args.Config,
		service:   service,
		parser:    parser.NewBookParser(args.Reader),
		publisher: pub,
	}, nil
}

// Service は挿絵ライフサイクル操作のサービスを返します。
func (m *Manager) Service() *Service {
	return m.service
}

// Parser は台本・ブック状態の入力パーサーを返します。
func (m *Manager) Parser() parser.Parser {
	return m.parser
}

// Publisher は成果物の永続化コンポーネントを返します。
func (m *Manager) Publisher() *publisher.BookPublisher {
	return m.publisher
}

// initializeAIClient は gemini クライアントを初期化します。
func initializeAIClient(ctx context.Context, apiKey string) (gemini.GenerativeModel, error) {
	clientConfig := gemini.Config{
		APIKey:      apiKey,
		Temperature: genai.Ptr(defaultGeminiTemperature),
	}
	aiClient, err := gemini.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("AIクライアントの初期化に失敗しました: %w", err)
	}
	return aiClient, nil
}

// initializeVisionClient は視覚評価・検出用の genai クライアントを初期化します。
// 画像入力を伴うマルチモーダル呼び出しには genai SDK を直接使用します。
func initializeVisionClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("視覚評価クライアントの初期化に失敗しました: %w", err)
	}
	return client, nil
}

// buildService は Capability アダプターと各エンジンを束ねます。
func buildService(cfg *config.Config, httpClient httpkit.ClientInterface, aiClient gemini.GenerativeModel, visionClient *genai.Client, catalog *prompts.PromptCatalog, images ImageStore) (*Service, error) {
	evalInstruction, err := catalog.Build(prompts.TemplateEvaluate, nil)
	if err != nil {
		return nil, err
	}
	detectInstruction, err := catalog.Build(prompts.TemplateDetect, nil)
	if err != nil {
		return nil, err
	}

	imageGen := adapters.NewGeminiImageGenerator(httpClient, aiClient, cfg.GeminiImageModel)
	evaluator := adapters.NewGeminiVisionEvaluator(visionClient, cfg.GeminiModel, evalInstruction)
	detector := adapters.NewGeminiRegionDetector(visionClient, cfg.GeminiModel, detectInstruction)

	limiter := rate.NewLimiter(rate.Every(cfg.RateInterval), 1)
	composer := generator.NewComposer(imageGen, evaluator, detector, limiter, cfg.CacheTTL)

	matcher := consistency.NewMatcher(cfg.IoUThreshold, cfg.ContainedCutoff)

	return &Service{
		composer:     composer,
		retry:        generator.NewRetryController(composer, cfg.ScoreThreshold),
		repair:       generator.NewRepairEngine(composer, catalog, cfg.ScoreThreshold),
		checker:      consistency.NewChecker(composer, catalog, matcher, cfg.ScoreThreshold, cfg.PageWorkers),
		repairer:     consistency.NewEntityRepairer(composer, catalog, matcher, images, cfg.GeminiImageModel, cfg.ScoreThreshold, cfg.PageWorkers),
		catalog:      catalog,
		images:       images,
		imageModel:   cfg.GeminiImageModel,
		styleSuffix:  cfg.StyleSuffix,
		threshold:    cfg.ScoreThreshold,
		maxAttempts:  cfg.MaxAttempts,
		repairPasses: cfg.RepairPasses,
		pageWorkers:  cfg.PageWorkers,
	}, nil
}
