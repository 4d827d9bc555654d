package container

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/rerank"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/infra/postgres"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/platform/config"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0, 0}, nil }
func (stubEmbedder) BatchEmbed(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}
func (stubEmbedder) ModelName() string { return "stub" }
func (stubEmbedder) MaxBatchSize() int { return 10 }

type stubClient struct{}

func (stubClient) GenerateCompletion(context.Context, rerank.CompletionRequest) (rerank.CompletionResponse, error) {
	return rerank.CompletionResponse{Content: `{"courses":[]}`}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.OpenAI.APIKey = "dummy-key"
	cfg.OpenAI.EmbeddingDimension = 3
	return cfg
}

func newTestContainer(t *testing.T, cfg *config.Config, opts ...ContainerOption) *ServiceContainer {
	t.Helper()
	opts = append([]ContainerOption{
		WithContainerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithContainerEmbedder(stubEmbedder{}),
		WithContainerRegistry(prometheus.NewRegistry()),
	}, opts...)

	// 構築時にはデータベースへ接続しない
	c, err := NewContainerWithDB(context.Background(), cfg, &postgres.DB{}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.database = nil
		require.NoError(t, c.Close())
	})
	return c
}

func TestNewContainerWithDB_WiresServices(t *testing.T) {
	c := newTestContainer(t, testConfig(t), WithContainerLLMClient(stubClient{}))

	assert.NotNil(t, c.Recommender)
	assert.NotNil(t, c.Jobs)
	assert.NotNil(t, c.Indexer)
	assert.NotNil(t, c.Catalog)
	assert.NotNil(t, c.Metrics)
	// 差し替えたクライアントにはブレーカーを付けない
	assert.Nil(t, c.Breaker)
}

func TestNewContainerWithDB_BuildsBreakerForOpenAIClient(t *testing.T) {
	c := newTestContainer(t, testConfig(t))

	require.NotNil(t, c.Breaker)
	assert.Equal(t, "closed", c.Breaker.State())
}

func TestNewContainerWithDB_RerankDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rerank.Enabled = false
	cfg.OpenAI.APIKey = ""

	c := newTestContainer(t, cfg)
	assert.Nil(t, c.Breaker)
}

func TestNewContainerWithDB_SQVectBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vector.Backend = config.VectorBackendSQVect
	cfg.Vector.SQVectPath = filepath.Join(t.TempDir(), "vectors.db")

	c := newTestContainer(t, cfg, WithContainerLLMClient(stubClient{}))
	assert.NotNil(t, c.vectors)
}

func TestNewContainerWithDB_SQVectBackendHonoursMinSimilarity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vector.Backend = config.VectorBackendSQVect
	cfg.Vector.SQVectPath = filepath.Join(t.TempDir(), "vectors.db")
	cfg.Recommend.MinSimilarity = 0.9

	c := newTestContainer(t, cfg, WithContainerLLMClient(stubClient{}))
	require.NoError(t, c.vectors.Upsert(context.Background(), []catalog.CourseVector{
		{CourseID: "do_near", Vector: []float32{1, 0, 0}},
		{CourseID: "do_far", Vector: []float32{0, 1, 0}},
	}))

	got, err := c.vectors.Search(context.Background(), []float32{1, 0, 0}, 10, recommend.Filters{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "do_near", got[0].CourseID)
}

func TestNewContainerWithDB_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recommend.MaxTopK = 0

	_, err := NewContainerWithDB(context.Background(), cfg, &postgres.DB{})
	assert.Error(t, err)
}

func TestNewContainerWithDB_RequiresAPIKeyForReranker(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAI.APIKey = ""

	_, err := NewContainerWithDB(context.Background(), cfg, &postgres.DB{},
		WithContainerEmbedder(stubEmbedder{}),
		WithContainerRegistry(prometheus.NewRegistry()),
	)
	assert.Error(t, err)
}

func TestNewContainerWithDB_EnrichmentNeedsLLMClientWithoutRerank(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rerank.Enabled = false
	cfg.Enrichment.PublicCoursesEnabled = true

	// 再ランキングが無効でも公開コース検索のために生成モデルを用意する
	c := newTestContainer(t, cfg)
	require.NotNil(t, c.Breaker)

	cfg.OpenAI.APIKey = ""
	_, err := NewContainerWithDB(context.Background(), cfg, &postgres.DB{},
		WithContainerEmbedder(stubEmbedder{}),
		WithContainerRegistry(prometheus.NewRegistry()),
	)
	assert.Error(t, err)
}

func TestLLMTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rerank.Timeout = 5 * time.Second
	cfg.Enrichment.PublicCoursesTimeout = 9 * time.Second
	assert.Equal(t, 5*time.Second, llmTimeout(cfg))

	cfg.Enrichment.PublicCoursesEnabled = true
	assert.Equal(t, 9*time.Second, llmTimeout(cfg))
}
