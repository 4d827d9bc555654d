package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/rerank"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/infra/cache"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/infra/openai"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/infra/postgres"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/infra/sqvect"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/platform/config"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/platform/metrics"
)

// Embedder は推薦とカタログ索引の双方で使う Embedding 生成器
type Embedder interface {
	recommend.Embedder
	catalog.BatchEmbedder
}

// ServiceContainer はアプリケーションの依存関係を保持する
type ServiceContainer struct {
	Recommender *recommend.Service
	Jobs        *recommend.JobService
	Indexer     *catalog.IndexService
	Catalog     catalog.Writer
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry

	// Breaker は生成モデルのサーキットブレーカー（生成モデルを使わない場合は nil）
	Breaker *openai.Breaker

	logger   *slog.Logger
	database *postgres.DB
	vectors  *sqvect.VectorStore
}

type containerOptions struct {
	logger   *slog.Logger
	embedder Embedder
	client   rerank.Client
	registry *prometheus.Registry
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerLLMClient は生成モデルのクライアントを差し替える
func WithContainerLLMClient(client rerank.Client) ContainerOption {
	return func(opts *containerOptions) {
		opts.client = client
	}
}

// WithContainerRegistry はメトリクスの登録先を差し替える
func WithContainerRegistry(reg *prometheus.Registry) ContainerOption {
	return func(opts *containerOptions) {
		opts.registry = reg
	}
}

// NewContainer は設定からコンテナを生成する
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	db, err := postgres.Open(ctx, ConnectionParams(cfg))
	if err != nil {
		return nil, fmt.Errorf("データベース初期化に失敗しました: %w", err)
	}

	c, err := NewContainerWithDB(ctx, cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// ConnectionParams は設定から接続パラメータを組み立てる
func ConnectionParams(cfg *config.Config) postgres.ConnectionParams {
	return postgres.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	}
}

// RetryPolicy は設定から外部呼び出しのリトライ方針を組み立てる
func RetryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.BaseDelay = cfg.Retry.BaseDelay
	p.MaxDelay = cfg.Retry.MaxDelay
	return p
}

// NewContainerWithDB は既存の DB を受け取りコンテナを生成する
func NewContainerWithDB(ctx context.Context, cfg *config.Config, db *postgres.DB, opts ...ContainerOption) (*ServiceContainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正です: %w", err)
	}

	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger
	policy := RetryPolicy(cfg)

	registry := options.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.New(registry)

	// Embedder (OpenAI)
	embedder := options.embedder
	if embedder == nil {
		embedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
			openai.WithEmbeddingBaseURL(cfg.OpenAI.BaseURL),
			openai.WithEmbeddingRetryPolicy(policy),
		)
	}
	queryEmbedder := cache.NewCachingEmbedder(embedder, cfg.Cache.EmbeddingCapacity, cfg.Cache.EmbeddingTTL,
		cache.WithSharedCallTimeout(cfg.Recommend.Timeout),
	)

	// VectorStore (pgvector or sqvect)
	metadata := postgres.NewCourseMetadataRepository(db.Pool, policy)
	var (
		store   recommend.VectorStore
		writer  catalog.VectorWriter
		vectors *sqvect.VectorStore
	)
	switch cfg.Vector.Backend {
	case config.VectorBackendSQVect:
		var err error
		vectors, err = sqvect.Open(ctx, cfg.Vector.SQVectPath,
			sqvect.WithDimension(cfg.OpenAI.EmbeddingDimension),
			sqvect.WithMaxTopK(cfg.Recommend.MaxTopK),
			sqvect.WithMinSimilarity(cfg.Recommend.MinSimilarity),
		)
		if err != nil {
			return nil, fmt.Errorf("ベクトルストア初期化に失敗しました: %w", err)
		}
		store, writer = vectors, vectors
	default:
		pg := postgres.NewCourseVectorRepository(db.Pool,
			postgres.WithVectorRetryPolicy(policy),
			postgres.WithMaxTopK(cfg.Recommend.MaxTopK),
			postgres.WithMinSimilarity(cfg.Recommend.MinSimilarity),
		)
		store, writer = pg, pg
	}

	serviceOpts := []recommend.ServiceOption{
		recommend.WithConfig(recommend.Config{
			MaxTopK:       cfg.Recommend.MaxTopK,
			Timeout:       cfg.Recommend.Timeout,
			RerankEnabled: cfg.Rerank.Enabled,
			RerankTimeout: cfg.Rerank.Timeout,
			CacheTTL:      cfg.Cache.TTL,
			QueryTimeout:  cfg.Enrichment.QuerySynthesisTimeout,
			PublicTimeout: cfg.Enrichment.PublicCoursesTimeout,
		}),
		recommend.WithObserver(m),
		recommend.WithLogger(logger),
	}

	// ResponseCache
	responseCache, err := cache.NewResponseCache(cfg.Cache.Capacity)
	if err != nil {
		logger.Info("response_cache_disabled", "reason", err.Error())
	} else {
		serviceOpts = append(serviceOpts, recommend.WithCache(responseCache))
	}

	// 生成モデル (OpenAI + breaker + rate limit)
	var breaker *openai.Breaker
	if cfg.LLMEnabled() {
		client := options.client
		if client == nil {
			settings := openai.DefaultBreakerSettings("llm")
			settings.OnStateChange = func(name, from, to string) {
				logger.Warn("circuit_breaker_state_changed", "name", name, "from", from, "to", to)
				m.BreakerStateChanged(name, from, to)
			}
			breaker = openai.NewBreaker(settings)

			llm, err := openai.NewClient(cfg.OpenAI.APIKey,
				openai.WithModel(cfg.OpenAI.LLMModel),
				openai.WithBaseURL(cfg.OpenAI.BaseURL),
				openai.WithTimeout(llmTimeout(cfg)),
				openai.WithRetryPolicy(policy),
				openai.WithRequestsPerMinute(cfg.Rerank.RequestsPerMinute),
				openai.WithBreaker(breaker),
			)
			if err != nil {
				return nil, fmt.Errorf("OpenAI LLMクライアント初期化に失敗しました: %w", err)
			}
			client = llm
		}

		if cfg.Rerank.Enabled {
			reranker := rerank.NewReranker(client,
				rerank.WithMaxCandidates(cfg.Rerank.MaxCandidates),
				rerank.WithTokenBudget(cfg.Rerank.TokenBudget),
				rerank.WithTokenCounter(newTokenCounter(logger)),
				rerank.WithLogger(logger),
			)
			serviceOpts = append(serviceOpts, recommend.WithReranker(reranker))
		}
		if cfg.Enrichment.QuerySynthesisEnabled {
			serviceOpts = append(serviceOpts, recommend.WithQueryWriter(
				rerank.NewQueryWriter(client, rerank.WithQueryLogger(logger)),
			))
		}
		if cfg.Enrichment.PublicCoursesEnabled {
			serviceOpts = append(serviceOpts, recommend.WithEnricher(
				rerank.NewPublicCourseFinder(client,
					rerank.WithMaxPublicCourses(cfg.Enrichment.PublicCoursesMax),
					rerank.WithPublicCache(cfg.Cache.Capacity, cfg.Cache.TTL),
					rerank.WithPublicLogger(logger),
				),
			))
		}
	}

	recommender := recommend.NewService(queryEmbedder, store, metadata, serviceOpts...)
	jobs := recommend.NewJobService(recommender, postgres.NewRecommendationRepository(db.Pool),
		recommend.WithJobLogger(logger),
	)
	indexer := catalog.NewIndexService(metadata, embedder, writer, catalog.WithLogger(logger))

	return &ServiceContainer{
		Recommender: recommender,
		Jobs:        jobs,
		Indexer:     indexer,
		Catalog:     metadata,
		Metrics:     m,
		Registry:    registry,
		Breaker:     breaker,
		logger:      logger,
		database:    db,
		vectors:     vectors,
	}, nil
}

// llmTimeout は有効なステージのうち最も長いタイムアウトを返す
// 各ステージの期限は呼び出し側のコンテキストで個別にかかる
func llmTimeout(cfg *config.Config) time.Duration {
	timeout := cfg.Rerank.Timeout
	if cfg.Enrichment.QuerySynthesisEnabled {
		timeout = max(timeout, cfg.Enrichment.QuerySynthesisTimeout)
	}
	if cfg.Enrichment.PublicCoursesEnabled {
		timeout = max(timeout, cfg.Enrichment.PublicCoursesTimeout)
	}
	return timeout
}

// newTokenCounter は tiktoken を読み込み、失敗した場合は概算に切り替える
// tiktoken は初回にエンコーディング定義をダウンロードする
func newTokenCounter(logger *slog.Logger) rerank.TokenCounter {
	counter, err := openai.NewTokenCounter()
	if err != nil {
		logger.Warn("tiktoken_unavailable_using_estimate", "error", err)
		return rerank.EstimateCounter{}
	}
	return counter
}

// Close はバックグラウンド処理の完了を待ってから内部リソースを解放する
func (c *ServiceContainer) Close() error {
	if c == nil {
		return nil
	}
	if c.Jobs != nil {
		c.Jobs.Wait()
	}

	var errs []error
	if c.vectors != nil {
		if err := c.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close vector store: %w", err))
		}
	}
	if c.database != nil {
		c.database.Close()
	}
	return errors.Join(errs...)
}

// Logger はロガーを返す
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Database はデータベースを返す
func (c *ServiceContainer) Database() *postgres.DB {
	if c == nil {
		return nil
	}
	return c.database
}
