package cache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

// DefaultCapacity は応答キャッシュの既定エントリ数
const DefaultCapacity = 1024

// responseEntry はキャッシュに保存する値と有効期限
type responseEntry struct {
	value     []recommend.RankedRecommendation
	createdAt time.Time
	expiresAt time.Time
}

// ResponseCache は容量上限付き LRU とエントリごとの TTL を持つ応答キャッシュ
// 複数 goroutine から同時に利用できる
type ResponseCache struct {
	entries *lru.Cache[string, responseEntry]
	now     func() time.Time
}

// ResponseCacheOption は ResponseCache 構築時のオプション
type ResponseCacheOption func(*ResponseCache)

// WithClock は現在時刻の取得関数を差し替える（テスト用）
func WithClock(now func() time.Time) ResponseCacheOption {
	return func(c *ResponseCache) {
		c.now = now
	}
}

// NewResponseCache は新しい ResponseCache を作成する
func NewResponseCache(capacity int, opts ...ResponseCacheOption) (*ResponseCache, error) {
	entries, err := lru.New[string, responseEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}

	c := &ResponseCache{
		entries: entries,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get は有効期限内のエントリの複製を返す。期限切れのエントリは取り除く
func (c *ResponseCache) Get(key string) ([]recommend.RankedRecommendation, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return recommend.CloneRecommendations(entry.value), true
}

// Put はエントリを丸ごと置き換える。ttl が 0 以下なら保存しない
func (c *ResponseCache) Put(key string, value []recommend.RankedRecommendation, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.now()
	c.entries.Add(key, responseEntry{
		value:     recommend.CloneRecommendations(value),
		createdAt: now,
		expiresAt: now.Add(ttl),
	})
	return nil
}

// Len は保持しているエントリ数を返す（期限切れを含む）
func (c *ResponseCache) Len() int {
	return c.entries.Len()
}

// Purge はすべてのエントリを破棄する
func (c *ResponseCache) Purge() {
	c.entries.Purge()
}

// インターフェース実装の確認
var _ recommend.Cache = (*ResponseCache)(nil)
