package rerank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// QueryPromptVersion は検索クエリ生成プロンプトのバージョン
const QueryPromptVersion = "course-query-v1"

// maxQueryRunes は生成した検索クエリの最大文字数
const maxQueryRunes = 1000

// ErrEmptyQuery は生成モデルが空の検索クエリを返したことを表す
var ErrEmptyQuery = errors.New("query writer returned an empty query")

// QuerySystemPrompt は検索クエリ生成のシステムメッセージ
const QuerySystemPrompt = `You are an expert vector query generator.
Your task is to generate a query based on the provided data that helps to fetch relevant courses from the vector database.`

const queryInstructions = `You are provided with the following information about a role in a government organisation.
Return a single search query that helps to fetch relevant training courses from a vector database.
Describe the function, responsibilities and required skills of the role in plain sentences.
Respond with the query text only. Do not add headings, lists or quotation marks.

## ROLE
`

// QueryWriter は生成モデルでロールの説明を検索用クエリに書き換える
type QueryWriter struct {
	client    Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// QueryWriterOption は QueryWriter 構築時のオプション
type QueryWriterOption func(*QueryWriter)

// WithQueryModel は使用するモデル名を設定する
func WithQueryModel(model string) QueryWriterOption {
	return func(w *QueryWriter) {
		w.model = model
	}
}

// WithQueryLogger はロガーを差し替える
func WithQueryLogger(logger *slog.Logger) QueryWriterOption {
	return func(w *QueryWriter) {
		w.logger = logger
	}
}

// NewQueryWriter は新しい QueryWriter を作成する
func NewQueryWriter(client Client, opts ...QueryWriterOption) *QueryWriter {
	w := &QueryWriter{
		client:    client,
		maxTokens: 512,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WriteQuery はロールの説明から検索用クエリを生成する
func (w *QueryWriter) WriteQuery(ctx context.Context, profile string) (string, error) {
	resp, err := w.client.GenerateCompletion(ctx, CompletionRequest{
		SystemPrompt: QuerySystemPrompt,
		Prompt:       queryInstructions + profile,
		Temperature:  0,
		MaxTokens:    w.maxTokens,
		Model:        w.model,
	})
	if err != nil {
		return "", fmt.Errorf("failed to write retrieval query: %w", err)
	}

	query := cleanQuery(resp.Content)
	if query == "" {
		return "", ErrEmptyQuery
	}

	w.logger.Debug("retrieval_query_written",
		slog.String("prompt_version", QueryPromptVersion),
		slog.String("model", resp.Model),
		slog.String("source_hash", recommend.TextHash(profile)),
		slog.Int("tokens_used", resp.TokensUsed))

	return query, nil
}

// cleanQuery はコードフェンスと囲みの引用符を取り除き、空白を1つにまとめる
func cleanQuery(content string) string {
	s := strings.Trim(stripCodeFence(content), "\"'` \n\t")
	s = strings.Join(strings.Fields(s), " ")
	return truncateRunes(s, maxQueryRunes)
}

// インターフェース実装の確認
var _ recommend.QueryWriter = (*QueryWriter)(nil)
