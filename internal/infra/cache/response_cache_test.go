package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sampleRecs() []recommend.RankedRecommendation {
	return []recommend.RankedRecommendation{
		{CourseID: "do_1", Rank: 1, Similarity: 0.9},
		{CourseID: "do_2", Rank: 2, Similarity: 0.8},
	}
}

func TestResponseCache_GetReturnsStoredValueUntilExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c, err := NewResponseCache(8, WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, c.Put("k", sampleRecs(), time.Minute))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, sampleRecs(), got)

	clock.Advance(59 * time.Second)
	_, ok = c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestResponseCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewResponseCache(2)
	require.NoError(t, err)

	require.NoError(t, c.Put("a", sampleRecs(), time.Minute))
	require.NoError(t, c.Put("b", sampleRecs(), time.Minute))
	_, _ = c.Get("a")
	require.NoError(t, c.Put("c", sampleRecs(), time.Minute))

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestResponseCache_ValuesAreIsolatedFromCallers(t *testing.T) {
	c, err := NewResponseCache(4)
	require.NoError(t, err)

	value := sampleRecs()
	require.NoError(t, c.Put("k", value, time.Minute))
	value[0].CourseID = "mutated"

	got, _ := c.Get("k")
	assert.Equal(t, "do_1", got[0].CourseID)

	got[1].CourseID = "mutated"
	again, _ := c.Get("k")
	assert.Equal(t, "do_2", again[1].CourseID)
}

func TestResponseCache_PutReplacesWholesale(t *testing.T) {
	c, err := NewResponseCache(4)
	require.NoError(t, err)

	require.NoError(t, c.Put("k", sampleRecs(), time.Minute))
	require.NoError(t, c.Put("k", sampleRecs()[:1], time.Minute))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Len(t, got, 1)
}

func TestResponseCache_NonPositiveTTLIsNotStored(t *testing.T) {
	c, err := NewResponseCache(4)
	require.NoError(t, err)

	require.NoError(t, c.Put("k", sampleRecs(), 0))
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestResponseCache_RejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewResponseCache(0)
	assert.Error(t, err)
}

func TestResponseCache_ConcurrentAccess(t *testing.T) {
	c, err := NewResponseCache(16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%8)
			for range 100 {
				_ = c.Put(key, sampleRecs(), time.Minute)
				if got, ok := c.Get(key); ok {
					assert.Len(t, got, 2)
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
