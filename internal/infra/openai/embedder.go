package openai

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/catalog"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/retry"
)

// Embedder は OpenAI API を使用してテキストをベクトルに変換する
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
	retry     retry.Policy
}

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はOpenAI推奨のデフォルト次元
	DefaultEmbeddingDimension = 1536
	// MaxEmbeddingBatchSize は1リクエストで送れる最大テキスト数
	MaxEmbeddingBatchSize = 100
)

type embedderOptions struct {
	model      string
	dimension  int
	baseURL    string
	retry      retry.Policy
	httpClient *http.Client
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithEmbeddingBaseURL は OpenAI 互換ゲートウェイの URL を設定する
func WithEmbeddingBaseURL(baseURL string) EmbedderOption {
	return func(o *embedderOptions) {
		o.baseURL = baseURL
	}
}

// WithEmbeddingRetryPolicy はリトライ方針を設定する
func WithEmbeddingRetryPolicy(p retry.Policy) EmbedderOption {
	return func(o *embedderOptions) {
		o.retry = p
	}
}

// WithEmbeddingHTTPClient は HTTP クライアントを差し替える
func WithEmbeddingHTTPClient(c *http.Client) EmbedderOption {
	return func(o *embedderOptions) {
		o.httpClient = c
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) *Embedder {
	options := embedderOptions{
		model:     DefaultEmbeddingModel,
		dimension: DefaultEmbeddingDimension,
		retry:     retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client:    openai.NewClient(requestOptions(apiKey, options.baseURL, options.httpClient)...),
		model:     options.model,
		dimension: options.dimension,
		retry:     options.retry,
	}
}

// Embed は単一テキストの Embedding を生成する
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", recommend.ErrInvalidInput)
	}

	embeddings, err := e.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	return embeddings[0], nil
}

// BatchEmbed はバッチで Embedding を生成する（最大100件）
// 一時的な障害はリトライし、使い切った場合は recommend.ErrEmbeddingUnavailable を返す
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts provided", recommend.ErrInvalidInput)
	}

	if len(texts) > MaxEmbeddingBatchSize {
		return nil, fmt.Errorf("%w: batch size exceeds maximum of %d", recommend.ErrInvalidInput, MaxEmbeddingBatchSize)
	}

	embeddings, err := retry.Do(ctx, e.retry, isRetryable, func(ctx context.Context) ([][]float32, error) {
		return e.createEmbeddings(ctx, texts)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to generate embeddings: %w", err)
		}
		return nil, fmt.Errorf("%w: %w", recommend.ErrEmbeddingUnavailable, err)
	}

	return embeddings, nil
}

func (e *Embedder) createEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
	}

	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrInvalidResponseFormat, len(texts), len(resp.Data))
	}

	data := slices.Clone(resp.Data)
	slices.SortFunc(data, func(a, b openai.Embedding) int {
		return int(a.Index - b.Index)
	})

	embeddings := make([][]float32, 0, len(data))
	for _, d := range data {
		if e.dimension > 0 && len(d.Embedding) != e.dimension {
			return nil, fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidResponseFormat, e.dimension, len(d.Embedding))
		}
		vector := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vector[i] = float32(v)
		}
		embeddings = append(embeddings, vector)
	}

	return embeddings, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize はバッチ処理の最大サイズを返す（OpenAI APIは最大100件）
func (e *Embedder) MaxBatchSize() int {
	return MaxEmbeddingBatchSize
}

// インターフェース実装の確認
var (
	_ recommend.Embedder    = (*Embedder)(nil)
	_ catalog.BatchEmbedder = (*Embedder)(nil)
)
