package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docforge-ai/docforge/llm"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	result, err := DoWithResult(context.Background(), r, func() (string, error) {
		calls++
		if calls < 3 {
			return "", llm.NewProviderError("openai", "temporarily unavailable", nil)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return llm.NewTimeoutError("anthropic", errors.New("request timed out"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.True(t, llm.IsTimeout(err))
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return llm.NewRateLimitError("openai", "rate limit exceeded")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, llm.IsRateLimited(err))
}

func TestRetryContextCancellation(t *testing.T) {
	r := New(&Policy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		calls++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryOnRetryCallback(t *testing.T) {
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, zap.NewNop())

	_ = r.Do(context.Background(), func() error {
		return errors.New("boom")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCalculateDelayBounds(t *testing.T) {
	r := New(&Policy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}, zap.NewNop())

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 10*time.Second) // max + 25% jitter
	}
}
