package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, "ratelimit:", capacity, refill, time.Minute)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2, 1)
	fixed := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return fixed }

	d, err := bucket.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, err = bucket.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = bucket.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// buckets are per key
	d, err = bucket.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 1, 2)
	clock := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return clock }

	d, err := bucket.Allow(ctx, "c")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	d, err = bucket.Allow(ctx, "c")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 500*time.Millisecond, d.RetryAfter)

	// the script takes its clock from the caller, so advance that instead of Redis
	clock = clock.Add(500 * time.Millisecond)
	d, err = bucket.Allow(ctx, "c")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLocalLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewLocal(2, 0.001, time.Minute)

	for i := 0; i < 2; i++ {
		d, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
	}
	d, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)

	d, err = rl.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
