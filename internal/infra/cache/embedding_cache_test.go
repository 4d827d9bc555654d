package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaibhavbhuva/cbp-ai-service/internal/core/recommend"
)

type countingEmbedder struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	texts sync.Map
}

func (e *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	e.texts.Store(text, true)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func TestCachingEmbedder_ReusesVectorForNormalizedText(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachingEmbedder(inner, 16, time.Hour)

	first, err := e.Embed(context.Background(), "Data Analyst")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "  data   ANALYST ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), inner.calls.Load())
	_, ok := inner.texts.Load("data analyst")
	assert.True(t, ok)

	// 返したスライスを書き換えてもキャッシュは変わらない
	first[0] = 42
	third, err := e.Embed(context.Background(), "data analyst")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, third[0], 1e-6)
}

func TestCachingEmbedder_CoalescesConcurrentMisses(t *testing.T) {
	inner := &countingEmbedder{delay: 50 * time.Millisecond}
	e := NewCachingEmbedder(inner, 16, time.Hour)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Embed(context.Background(), "section officer")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCachingEmbedder_RejectsEmptyInput(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachingEmbedder(inner, 16, time.Hour)

	_, err := e.Embed(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, recommend.ErrInvalidInput)
	assert.Zero(t, inner.calls.Load())
}

func TestCachingEmbedder_DoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("upstream down")}
	e := NewCachingEmbedder(inner, 16, time.Hour)

	_, err := e.Embed(context.Background(), "q")
	require.Error(t, err)
	_, err = e.Embed(context.Background(), "q")
	require.Error(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Zero(t, e.Len())
}

func TestCachingEmbedder_ExpiresEntries(t *testing.T) {
	inner := &countingEmbedder{}
	e := NewCachingEmbedder(inner, 16, 30*time.Millisecond)

	_, err := e.Embed(context.Background(), "q")
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	_, err = e.Embed(context.Background(), "q")
	require.NoError(t, err)

	assert.Equal(t, int32(2), inner.calls.Load())
}

// blockingEmbedder は release が閉じられるまで返らない
type blockingEmbedder struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (e *blockingEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	if e.calls.Add(1) == 1 {
		close(e.started)
	}
	select {
	case <-e.release:
		return []float32{0.4, 0.5}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCachingEmbedder_CancelledCallerDoesNotFailSharedCall(t *testing.T) {
	inner := &blockingEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	e := NewCachingEmbedder(inner, 16, time.Hour)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := e.Embed(ctxA, "data analyst")
		errA <- err
	}()
	<-inner.started

	type result struct {
		vec []float32
		err error
	}
	resB := make(chan result, 1)
	go func() {
		vec, err := e.Embed(context.Background(), "data analyst")
		resB <- result{vec, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(inner.release)
	got := <-resB
	require.NoError(t, got.err)
	assert.Equal(t, []float32{0.4, 0.5}, got.vec)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1, e.Len())
}

func TestCachingEmbedder_SharedCallHasOwnTimeout(t *testing.T) {
	inner := &blockingEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	e := NewCachingEmbedder(inner, 16, time.Hour, WithSharedCallTimeout(30*time.Millisecond))

	_, err := e.Embed(context.Background(), "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, e.Len())
}
