package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := time.UnixMilli(1_700_000_000_000)
	b := NewTokenBucket(client, capacity, refill, time.Minute)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestTokenBucketCapacityPerEdition(t *testing.T) {
	ctx := context.Background()
	b, _ := newBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		ok, err := b.Allow(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok, "token %d", i)
	}
	ok, err := b.Allow(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = b.Allow(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok, "editions have separate buckets")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	b, clock := newBucket(t, 2, 2)

	for i := 0; i < 2; i++ {
		ok, _ := b.Allow(ctx, 7)
		require.True(t, ok)
	}
	ok, _ := b.Allow(ctx, 7)
	require.False(t, ok)

	*clock = clock.Add(600 * time.Millisecond)
	ok, tokens, err := b.Take(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.2, tokens, 0.001)
}

func TestUnlimited(t *testing.T) {
	ok, err := Unlimited{}.Allow(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
}
