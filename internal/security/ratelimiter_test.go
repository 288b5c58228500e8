package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/subrelay/internal/cache"
)

func TestRateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	limiter, err := NewRateLimiter(cache.NewStore(cache.Options{DefaultTTL: time.Minute}))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "203.0.113.7", 3, 80*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}
	res, err := limiter.Allow(ctx, "203.0.113.7", 3, 80*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	other, err := limiter.Allow(ctx, "198.51.100.1", 3, 80*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	time.Sleep(120 * time.Millisecond)
	res, err = limiter.Allow(ctx, "203.0.113.7", 3, 80*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimiterValidation(t *testing.T) {
	_, err := NewRateLimiter(nil)
	assert.Error(t, err)

	limiter, err := NewRateLimiter(cache.NewStore(cache.Options{}))
	require.NoError(t, err)
	_, err = limiter.Allow(context.Background(), "k", 0, time.Second)
	assert.Error(t, err)
}
