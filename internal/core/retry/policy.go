package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted は最大試行回数に達したことを表す
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy は外部呼び出しのリトライ方針を表す値オブジェクト
// 各アウトバウンド呼び出しのラッパーが共通で利用する
type Policy struct {
	// MaxAttempts は初回を含む最大試行回数（1以下ならリトライしない）
	MaxAttempts int

	// BaseDelay は1回目の失敗後の待機時間
	BaseDelay time.Duration

	// MaxDelay は待機時間の上限
	MaxDelay time.Duration

	// Jitter は待機時間に加える揺らぎの割合 (0.0-1.0)
	Jitter float64
}

// DefaultPolicy は初回 + 2回リトライの既定方針を返す
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Jitter:      0.2,
	}
}

// NoRetry は1回だけ試行する方針を返す
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Delay は attempt 回目（1始まり）の失敗後に待機する時間を返す
// r は [0,1) の乱数で、ジッタの計算にのみ使う
func (p Policy) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		jitter := min(p.Jitter, 1.0)
		// [-jitter, +jitter] の範囲で揺らす
		factor := 1 + jitter*(2*r-1)
		delay = time.Duration(float64(delay) * factor)
	}

	return delay
}

// attempts は有効な試行回数を返す
func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Classifier はエラーが再試行に値するかを判定する
type Classifier func(err error) bool

// Always はすべてのエラーを再試行対象とする
func Always(error) bool { return true }

// Do は方針に従って fn を実行する
// 再試行不可のエラーはそのまま返し、試行回数を使い切った場合は ErrExhausted でラップする
func Do[T any](ctx context.Context, p Policy, retryable Classifier, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	maxAttempts := p.attempts()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt-1, rand.Float64()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w (last error: %w)", ctx.Err(), err)
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
	}

	if maxAttempts == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, maxAttempts, lastErr)
}
