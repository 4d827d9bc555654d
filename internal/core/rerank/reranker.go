package rerank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

const (
	// DefaultMaxCandidates はプロンプトに含める候補数の既定上限
	DefaultMaxCandidates = 20

	// DefaultTokenBudget はプロンプト全体の既定トークン上限
	DefaultTokenBudget = 6000

	// DefaultMaxOutputTokens は応答の既定最大トークン数
	DefaultMaxOutputTokens = 2048
)

// ErrNoCandidates は空の候補集合で再ランキングを要求したことを表す
var ErrNoCandidates = errors.New("no candidates to rerank")

// Reranker は生成モデルを使って候補コースを並べ替え、推薦理由を付与する
type Reranker struct {
	client          Client
	counter         TokenCounter
	maxCandidates   int
	tokenBudget     int
	maxOutputTokens int
	model           string
	logger          *slog.Logger
}

type rerankerOptions struct {
	counter         TokenCounter
	maxCandidates   int
	tokenBudget     int
	maxOutputTokens int
	model           string
	logger          *slog.Logger
}

// Option は Reranker 構築時のオプション
type Option func(*rerankerOptions)

// WithMaxCandidates はプロンプトに含める候補数の上限を設定する
func WithMaxCandidates(n int) Option {
	return func(o *rerankerOptions) {
		if n > 0 {
			o.maxCandidates = n
		}
	}
}

// WithTokenBudget はプロンプトのトークン上限を設定する（0 以下で無制限）
func WithTokenBudget(tokens int) Option {
	return func(o *rerankerOptions) {
		o.tokenBudget = tokens
	}
}

// WithTokenCounter はトークン計数の実装を差し替える
func WithTokenCounter(counter TokenCounter) Option {
	return func(o *rerankerOptions) {
		o.counter = counter
	}
}

// WithMaxOutputTokens は応答の最大トークン数を設定する
func WithMaxOutputTokens(tokens int) Option {
	return func(o *rerankerOptions) {
		o.maxOutputTokens = tokens
	}
}

// WithModel は使用するモデル名を設定する
func WithModel(model string) Option {
	return func(o *rerankerOptions) {
		o.model = model
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(o *rerankerOptions) {
		o.logger = logger
	}
}

// NewReranker は新しい Reranker を作成する
func NewReranker(client Client, opts ...Option) *Reranker {
	options := rerankerOptions{
		counter:         EstimateCounter{},
		maxCandidates:   DefaultMaxCandidates,
		tokenBudget:     DefaultTokenBudget,
		maxOutputTokens: DefaultMaxOutputTokens,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.counter == nil {
		options.counter = EstimateCounter{}
	}

	return &Reranker{
		client:          client,
		counter:         options.counter,
		maxCandidates:   options.maxCandidates,
		tokenBudget:     options.tokenBudget,
		maxOutputTokens: options.maxOutputTokens,
		model:           options.model,
		logger:          options.logger,
	}
}

// Rerank は候補を生成モデルで並べ替える
// 全候補をプロンプトに載せた場合はモデルが選んだコースだけを返す
// 載せきれなかった場合は、モデルが選ばなかった残りの候補（プロンプト内で外されたものを含む）を
// モデルの選択の後ろに類似度順で続ける
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []recommend.CourseCandidate) ([]recommend.RankedRecommendation, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	prompted := r.fitCandidates(query, candidates)
	prompt := BuildPrompt(query, prompted)

	resp, err := r.client.GenerateCompletion(ctx, CompletionRequest{
		SystemPrompt:   SystemPrompt,
		Prompt:         prompt,
		Temperature:    0,
		MaxTokens:      r.maxOutputTokens,
		ResponseFormat: "json",
		Model:          r.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rerank candidates: %w", err)
	}

	ranked, err := ParseResponse(resp.Content, prompted)
	if err != nil {
		r.logger.Debug("rerank_response_rejected",
			slog.String("prompt_version", PromptVersion),
			slog.String("error", err.Error()))
		return nil, err
	}

	if len(prompted) < len(candidates) {
		ranked = appendUnjudged(ranked, candidates)
	}

	r.logger.Debug("rerank_completed",
		slog.String("prompt_version", PromptVersion),
		slog.String("model", resp.Model),
		slog.Int("prompted", len(prompted)),
		slog.Int("returned", len(ranked)),
		slog.Int("tokens_used", resp.TokensUsed))

	return ranked, nil
}

// appendUnjudged はモデルが選ばなかった候補を入力順（類似度順）のまま後ろに追加する
func appendUnjudged(ranked []recommend.RankedRecommendation, candidates []recommend.CourseCandidate) []recommend.RankedRecommendation {
	picked := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		picked[r.CourseID] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := picked[c.CourseID]; ok {
			continue
		}
		ranked = append(ranked, recommend.RankedRecommendation{
			CourseID:   c.CourseID,
			Similarity: c.Similarity,
			Metadata:   c.Metadata,
		})
	}
	return ranked
}

// fitCandidates は候補数の上限とトークン予算に収まる先頭の候補を返す
// 予算が小さくても最低1件は残す
func (r *Reranker) fitCandidates(query string, candidates []recommend.CourseCandidate) []recommend.CourseCandidate {
	limited := candidates
	if len(limited) > r.maxCandidates {
		limited = limited[:r.maxCandidates]
	}
	if r.tokenBudget <= 0 {
		return limited
	}

	used := r.counter.CountTokens(SystemPrompt) + r.counter.CountTokens(promptHeader(query))
	for i, c := range limited {
		used += r.counter.CountTokens(candidateLine(c))
		if used > r.tokenBudget {
			if i == 0 {
				return limited[:1]
			}
			r.logger.Debug("rerank_candidates_truncated_by_token_budget",
				slog.Int("kept", i),
				slog.Int("budget", r.tokenBudget))
			return limited[:i]
		}
	}
	return limited
}

// インターフェース実装の確認
var _ recommend.Reranker = (*Reranker)(nil)
