package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/eventrelay/internal/cache"
)

// backend is a Store under test plus a way to move its clock forward.
type backend struct {
	store   cache.Store
	advance func(time.Duration)
}

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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
			return backend{store: cache.NewMemory(cache.WithClock(clk.Now)), advance: clk.Advance}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return backend{store: cache.NewRedis(client, "test:"), advance: mr.FastForward}
		},
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			_, found, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, b.store.Set(ctx, "k", []byte("v"), time.Minute))
			val, found, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("v"), val)

			require.NoError(t, b.store.Delete(ctx, "k"))
			_, found, err = b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)

			// Deleting a missing key is fine.
			require.NoError(t, b.store.Delete(ctx, "never-set"))
		})
	}
}

func TestStore_SetExpires(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			require.NoError(t, b.store.Set(ctx, "k", []byte("v"), 2*time.Second))
			b.advance(time.Second)
			_, found, _ := b.store.Get(ctx, "k")
			assert.True(t, found)

			b.advance(2 * time.Second)
			_, found, err := b.store.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestStore_IncrAppliesTTLOnCreateOnly(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			n, err := b.store.Incr(ctx, "c", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			b.advance(40 * time.Second)
			n, err = b.store.Incr(ctx, "c", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			// The second increment must not have pushed expiry out.
			b.advance(30 * time.Second)
			n, err = b.store.Incr(ctx, "c", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n, "counter should have expired with its original window")
		})
	}
}

func TestStore_IncrOnNonInteger(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := mk(t)
			ctx := context.Background()

			require.NoError(t, b.store.Set(ctx, "c", []byte("{}"), 0))
			_, err := b.store.Incr(ctx, "c", time.Minute)
			assert.ErrorIs(t, err, cache.ErrNotInteger)
		})
	}
}

func TestRedis_BreakerOpensWhenServerGone(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewRedis(client, "test:", cache.WithBreaker(2, time.Minute))
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))

	mr.Close()
	for i := 0; i < 2; i++ {
		_, _, err := store.Get(ctx, "k")
		require.Error(t, err)
	}
	assert.Equal(t, "open", store.BreakerState())
}

func TestRedis_MissDoesNotTripBreaker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewRedis(client, "test:", cache.WithBreaker(1, time.Minute))
	for i := 0; i < 5; i++ {
		_, found, err := store.Get(context.Background(), "missing")
		require.NoError(t, err)
		assert.False(t, found)
	}
	assert.Equal(t, "closed", store.BreakerState())
}

func TestRedis_KeysArePrefixed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := cache.NewRedis(client, "relay:")
	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), 0))
	assert.True(t, mr.Exists("relay:k"))
}

func TestMemory_LenIgnoresExpired(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	m := cache.NewMemory(cache.WithClock(clk.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, m.Set(ctx, "b", []byte("1"), 0))
	assert.Equal(t, 2, m.Len())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, m.Len())
}
