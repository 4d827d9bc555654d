package openai

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle は1分あたりのリクエスト数を制限する
// nil の Throttle は制限しない
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle は新しい Throttle を作成する。requestsPerMinute が 0 以下なら nil を返す
func NewThrottle(requestsPerMinute int) *Throttle {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := max(1, requestsPerMinute/10)
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), burst),
	}
}

// Wait は送信可能になるまで待機する。コンテキストが先に終わればエラーを返す
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}
