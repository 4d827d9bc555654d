package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestPolicy_DelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0.5))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, 0.5))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3, 0.5))
	assert.Equal(t, 300*time.Millisecond, p.Delay(10, 0.5))
	assert.Equal(t, time.Duration(0), p.Delay(0, 0.5))
}

func TestPolicy_DelayAppliesJitterBounds(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Jitter: 0.5}

	assert.Equal(t, 50*time.Millisecond, p.Delay(1, 0))
	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0.5))
	assert.InDelta(t, float64(150*time.Millisecond), float64(p.Delay(1, 0.999999)), float64(time.Millisecond))
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(3), Always, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedWrapsLastError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), Always, func(ctx context.Context) (int, error) {
		calls++
		return 0, errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnNonRetryableError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), func(err error) bool { return !errors.Is(err, permanent) }, func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, BaseDelay: time.Hour}

	calls := 0
	_, err := Do(ctx, p, Always, func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_SingleAttemptReturnsErrorUnwrapped(t *testing.T) {
	_, err := Do(context.Background(), NoRetry(), Always, func(ctx context.Context) (int, error) {
		return 0, errTransient
	})

	assert.Equal(t, errTransient, err)
}
