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

func newBucket(t *testing.T, capacity int, refill float64, now *time.Time) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, WithClock(func() time.Time { return *now }))
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	bucket := newBucket(t, 2, 1, &now)

	d, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1.0, d.Remaining)

	d, _ = bucket.Allow(ctx, "tenant")
	assert.True(t, d.Allowed)

	d, _ = bucket.Allow(ctx, "tenant")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	// Other tenants have their own bucket.
	d, _ = bucket.Allow(ctx, "other")
	assert.True(t, d.Allowed)
}

func TestTokenBucketRefills(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	bucket := newBucket(t, 1, 2, &now)

	d, _ := bucket.Allow(ctx, "tenant")
	require.True(t, d.Allowed)
	d, _ = bucket.Allow(ctx, "tenant")
	require.False(t, d.Allowed)

	now = now.Add(250 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "tenant")
	assert.False(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)

	now = now.Add(250 * time.Millisecond)
	d, _ = bucket.Allow(ctx, "tenant")
	assert.True(t, d.Allowed)
}

func TestTokenBucketDisabled(t *testing.T) {
	now := time.Now()
	bucket := newBucket(t, 0, 0, &now)
	for range 10 {
		d, err := bucket.Allow(context.Background(), "tenant")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
