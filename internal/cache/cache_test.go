package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestCache(t *testing.T, ttl time.Duration) (*Redis[item], *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis[item](client, "test", ttl), mr
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	_, err := c.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "a", item{Name: "a", Count: 2}, 0))
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, item{Name: "a", Count: 2}, got)

	require.NoError(t, c.Delete(ctx, "a"))
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDefaultTTLExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t, time.Minute)

	require.NoError(t, c.Set(ctx, "a", item{Name: "a"}, 0))
	require.NoError(t, c.Set(ctx, "forever", item{Name: "f"}, -1))

	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	require.NoError(t, c.Set(ctx, "x", item{}, 0))
	require.NoError(t, c.Set(ctx, "y", item{}, 0))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, keys)
}

func TestGetOrSetComputesOnce(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (item, time.Duration, error) {
		calls.Add(1)
		<-release
		return item{Name: "computed"}, time.Minute, nil
	}

	var wg sync.WaitGroup
	results := make([]item, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrSet(ctx, "k", fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "computed", r.Name)
	}

	cached, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "computed", cached.Name)
}
