package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// BreakerSettings はサーキットブレーカーの設定
type BreakerSettings struct {
	// Name はメトリクスとログに使う名前
	Name string

	// MaxConsecutiveFailures は回路を開くまでの連続失敗数
	MaxConsecutiveFailures uint32

	// OpenTimeout は開いた回路を半開にするまでの待機時間
	OpenTimeout time.Duration

	// HalfOpenRequests は半開状態で許可する同時リクエスト数
	HalfOpenRequests uint32

	// OnStateChange は状態遷移時に呼ばれる
	OnStateChange func(name, from, to string)
}

// DefaultBreakerSettings は既定の設定を返す
func DefaultBreakerSettings(name string) BreakerSettings {
	return BreakerSettings{
		Name:                   name,
		MaxConsecutiveFailures: 5,
		OpenTimeout:            30 * time.Second,
		HalfOpenRequests:       1,
	}
}

// Breaker は上流の障害が続いたときに呼び出しを即座に失敗させる
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// NewBreaker は新しい Breaker を作成する
func NewBreaker(s BreakerSettings) *Breaker {
	if s.MaxConsecutiveFailures == 0 {
		s.MaxConsecutiveFailures = 5
	}
	maxFailures := s.MaxConsecutiveFailures

	return &Breaker{
		cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: s.HalfOpenRequests,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return !countsAsFailure(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if s.OnStateChange != nil {
					s.OnStateChange(name, from.String(), to.String())
				}
			},
		}),
	}
}

// State は現在の状態名を返す
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpenError は回路が開いているために拒否されたエラーかを判定する
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// countsAsFailure は上流の障害として数えるエラーかを判定する
// 呼び出し元の取り消しや 4xx は障害に含めない
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return isRetryable(err)
}

// execute は fn を回路越しに実行する
func execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}

	result, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}

	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}
