package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/rerank"
)

// TokenCounter はトークン数をカウントする機能を提供する
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しいTokenCounterを作成する
// cl100k_baseエンコーディングを使用する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &TokenCounter{
		encoding: encoding,
	}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoding == nil {
		// エンコーディングが初期化されていない場合は推定値を返す
		return rerank.EstimateCounter{}.CountTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// インターフェース実装の確認
var _ rerank.TokenCounter = (*TokenCounter)(nil)
