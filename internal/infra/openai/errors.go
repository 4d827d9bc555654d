package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// isRetryable は上流の一時的な障害（レート制限、5xx、通信エラー）かを判定する
// コンテキストの取り消しと期限切れは再試行しない
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidResponseFormat) || errors.Is(err, recommend.ErrInvalidInput) {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return isRateLimitError(err) || apiErr.StatusCode >= 500
	}

	// HTTP レスポンスを得られなかった通信エラー
	return true
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}
