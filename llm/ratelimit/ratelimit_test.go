package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(rpm, dailyCap int) (*Limiter, *time.Time) {
	l := New(rpm, dailyCap)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

// --- sliding window ---

func TestLimiterAllowsUpToRPM(t *testing.T) {
	l, _ := newTestLimiter(5, 0)

	for i := 0; i < 5; i++ {
		res := l.Allow()
		require.True(t, res.Allowed, "request %d should pass", i)
	}

	res := l.Allow()
	assert.False(t, res.Allowed)
	assert.False(t, res.DailyExhausted)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestLimiterWindowSlides(t *testing.T) {
	l, now := newTestLimiter(2, 0)

	require.True(t, l.Allow().Allowed)
	*now = now.Add(30 * time.Second)
	require.True(t, l.Allow().Allowed)
	assert.False(t, l.Allow().Allowed)

	// first request falls out of the window
	*now = now.Add(31 * time.Second)
	assert.True(t, l.Allow().Allowed)
	assert.Equal(t, 2, l.InWindow())
}

func TestLimiterRejectionNotCounted(t *testing.T) {
	l, _ := newTestLimiter(1, 0)

	require.True(t, l.Allow().Allowed)
	for i := 0; i < 3; i++ {
		l.Allow()
	}
	assert.Equal(t, 1, l.InWindow())
	assert.Equal(t, 1, l.Today())
}

// --- daily cap ---

func TestLimiterDailyCap(t *testing.T) {
	l, now := newTestLimiter(0, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow().Allowed)
		*now = now.Add(2 * time.Minute)
	}

	res := l.Allow()
	assert.False(t, res.Allowed)
	assert.True(t, res.DailyExhausted)

	// cap resets at day boundary
	*now = now.Add(24 * time.Hour)
	assert.True(t, l.Allow().Allowed)
	assert.Equal(t, 1, l.Today())
}

func TestLimiterUnlimited(t *testing.T) {
	l, _ := newTestLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow().Allowed)
	}
}

// --- token bucket ---

func TestBucketTryAcquire(t *testing.T) {
	b := NewBucket(1, 2)
	assert.True(t, b.TryAcquire())
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestBucketWaitCancelled(t *testing.T) {
	b := NewBucket(0.001, 1)
	require.True(t, b.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Wait(ctx)
	assert.Error(t, err)
}
