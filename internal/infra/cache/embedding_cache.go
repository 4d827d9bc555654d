package cache

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

const (
	// DefaultEmbeddingCapacity は Embedding キャッシュの既定エントリ数
	DefaultEmbeddingCapacity = 4096

	// DefaultEmbeddingTTL は Embedding キャッシュの既定有効期間
	DefaultEmbeddingTTL = time.Hour

	// DefaultSharedCallTimeout は共有された上流呼び出しの上限時間
	DefaultSharedCallTimeout = 30 * time.Second
)

// CachingEmbedder は正規化済みテキストのハッシュをキーに Embedding をキャッシュする
// 同じキーの同時呼び出しは1回の上流呼び出しにまとめる
type CachingEmbedder struct {
	inner   recommend.Embedder
	vectors *expirable.LRU[string, []float32]
	group   singleflight.Group
	timeout time.Duration
}

// EmbedderOption は CachingEmbedder の設定オプション
type EmbedderOption func(*CachingEmbedder)

// WithSharedCallTimeout は共有された上流呼び出しの上限時間を設定する
func WithSharedCallTimeout(d time.Duration) EmbedderOption {
	return func(e *CachingEmbedder) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewCachingEmbedder は新しい CachingEmbedder を作成する
func NewCachingEmbedder(inner recommend.Embedder, capacity int, ttl time.Duration, opts ...EmbedderOption) *CachingEmbedder {
	if capacity <= 0 {
		capacity = DefaultEmbeddingCapacity
	}
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}
	e := &CachingEmbedder{
		inner:   inner,
		vectors: expirable.NewLRU[string, []float32](capacity, nil, ttl),
		timeout: DefaultSharedCallTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed は単一テキストの Embedding を返す
// 空白のみのテキストは上流を呼ばずに recommend.ErrInvalidInput を返す
func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := recommend.NormalizeText(text)
	if normalized == "" {
		return nil, fmt.Errorf("%w: text is empty after normalization", recommend.ErrInvalidInput)
	}
	key := recommend.TextHash(normalized)

	if vec, ok := e.vectors.Get(key); ok {
		return slices.Clone(vec), nil
	}

	// 共有された呼び出しは特定の呼び出し元のキャンセルに引きずられない
	// 各呼び出し元は自身のコンテキストでのみ待機を打ち切る
	ch := e.group.DoChan(key, func() (any, error) {
		if vec, ok := e.vectors.Get(key); ok {
			return vec, nil
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		vec, err := e.inner.Embed(callCtx, normalized)
		if err != nil {
			return nil, err
		}
		e.vectors.Add(key, slices.Clone(vec))
		return vec, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]float32)), nil
	}
}

// Len は保持しているエントリ数を返す
func (e *CachingEmbedder) Len() int {
	return e.vectors.Len()
}

// インターフェース実装の確認
var _ recommend.Embedder = (*CachingEmbedder)(nil)
