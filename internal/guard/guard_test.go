package guard_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/snehjoshi/eventrelay/internal/cache"
	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/guard"
	"github.com/snehjoshi/eventrelay/internal/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, mutate func(*config.GuardConfig)) (*guard.Guard, *clock, *cache.Memory) {
	t.Helper()
	// Start on a minute boundary so bucket rollover is predictable.
	clk := &clock{now: time.Unix(1_700_000_040, 0)}
	store := cache.NewMemory(cache.WithClock(clk.Now))
	cfg := config.Default().Guard
	if mutate != nil {
		mutate(&cfg)
	}
	g := guard.New(store, func() config.GuardConfig { return cfg },
		guard.WithClock(clk.Now))
	return g, clk, store
}

func TestRateLimiter_MinuteCeiling(t *testing.T) {
	g, clk, _ := setup(t, func(c *config.GuardConfig) {
		c.MaxRequestsPerMinute = 3
		c.EnableCircuitBreaker = false
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Check(ctx), "call %d", i)
	}
	err := g.Check(ctx)
	require.ErrorIs(t, err, guard.ErrRateLimited)
	assert.Equal(t, delivery.Retryable, delivery.Classify(err))

	// Next minute bucket starts fresh.
	clk.Advance(time.Minute)
	assert.NoError(t, g.Check(ctx))
}

func TestRateLimiter_HourCeiling(t *testing.T) {
	g, clk, _ := setup(t, func(c *config.GuardConfig) {
		c.MaxRequestsPerMinute = 100
		c.MaxRequestsPerHour = 4
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, g.Check(ctx))
		clk.Advance(time.Minute)
	}
	assert.ErrorIs(t, g.Check(ctx), guard.ErrRateLimited)
}

func TestRateLimiter_RejectionDoesNotCount(t *testing.T) {
	g, _, _ := setup(t, func(c *config.GuardConfig) { c.MaxRequestsPerMinute = 1 })
	ctx := context.Background()

	require.NoError(t, g.Check(ctx))
	for i := 0; i < 5; i++ {
		require.ErrorIs(t, g.Check(ctx), guard.ErrRateLimited)
	}
	perMin, perHour, err := g.Limiter.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), perMin)
	assert.Equal(t, int64(1), perHour)
}

func TestRateLimiter_Disabled(t *testing.T) {
	g, _, store := setup(t, func(c *config.GuardConfig) {
		c.EnableRateLimiting = false
		c.MaxRequestsPerMinute = 1
	})
	for i := 0; i < 10; i++ {
		require.NoError(t, g.Check(context.Background()))
	}
	assert.Equal(t, 0, store.Len(), "a disabled limiter must not touch the store")
}

func TestRateLimiter_BucketKeys(t *testing.T) {
	at := time.Unix(7200+125, 0)
	assert.Equal(t, "ratelimit:minute:122", guard.MinuteKey(at))
	assert.Equal(t, "ratelimit:hour:2", guard.HourKey(at))
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	g, clk, _ := setup(t, func(c *config.GuardConfig) { c.EnableRateLimiting = false })
	ctx := context.Background()

	var calls int
	failing := delivery.DelivererFunc(func(context.Context, types.Envelope) error {
		calls++
		return errors.New("500 server error")
	})
	d := g.Wrap(failing)
	env := types.Envelope{Type: "t", Email: "a@example.com"}

	for i := 0; i < 5; i++ {
		require.Error(t, d.Deliver(ctx, env))
	}
	require.Equal(t, 5, calls)

	st, open, err := g.Breaker.State(ctx)
	require.NoError(t, err)
	require.True(t, open)
	assert.Equal(t, int64(5), st.FailureCount)
	assert.Equal(t, clk.Now().Unix(), st.OpenedAt)

	// Open: rejected without invoking deliver.
	err = d.Deliver(ctx, env)
	require.ErrorIs(t, err, guard.ErrCircuitOpen)
	assert.Equal(t, 5, calls)
	assert.Equal(t, delivery.Retryable, delivery.Classify(err))

	// Still open at exactly the timeout.
	clk.Advance(300 * time.Second)
	require.ErrorIs(t, g.Check(ctx), guard.ErrCircuitOpen)

	// Past the timeout: check succeeds and the record is cleared.
	clk.Advance(time.Second)
	require.NoError(t, g.Check(ctx))
	_, open, err = g.Breaker.State(ctx)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestCircuitBreaker_RejectionIsNotAFailure(t *testing.T) {
	g, _, _ := setup(t, func(c *config.GuardConfig) { c.EnableRateLimiting = false })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.Breaker.RecordFailure(ctx)
	}
	d := g.Wrap(delivery.DelivererFunc(func(context.Context, types.Envelope) error {
		t.Fatal("deliver must not be called while open")
		return nil
	}))
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, d.Deliver(ctx, types.Envelope{}), guard.ErrCircuitOpen)
	}
	n, err := g.Breaker.Failures(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	g, _, _ := setup(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		g.Breaker.RecordFailure(ctx)
	}
	g.Breaker.RecordSuccess(ctx)
	g.Breaker.RecordFailure(ctx)

	n, err := g.Breaker.Failures(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, g.Check(ctx))
}

func TestCircuitBreaker_FailureAfterCooldownReopens(t *testing.T) {
	g, clk, _ := setup(t, func(c *config.GuardConfig) { c.EnableRateLimiting = false })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		g.Breaker.RecordFailure(ctx)
	}
	clk.Advance(301 * time.Second)
	require.NoError(t, g.Check(ctx))

	g.Breaker.RecordFailure(ctx)
	assert.ErrorIs(t, g.Check(ctx), guard.ErrCircuitOpen)
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	g, _, _ := setup(t, func(c *config.GuardConfig) { c.EnableCircuitBreaker = false })
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		g.Breaker.RecordFailure(ctx)
	}
	assert.NoError(t, g.Check(ctx))
}

func TestGuard_RateLimiterRunsFirst(t *testing.T) {
	g, _, _ := setup(t, func(c *config.GuardConfig) { c.MaxRequestsPerMinute = 1 })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.Breaker.RecordFailure(ctx)
	}
	require.NoError(t, g.Limiter.Check(ctx))
	assert.ErrorIs(t, g.Check(ctx), guard.ErrRateLimited)
}

func TestGuard_SettingsAreReadPerCall(t *testing.T) {
	cfg := config.Default().Guard
	cfg.MaxRequestsPerMinute = 1
	store := cache.NewMemory()
	g := guard.New(store, func() config.GuardConfig { return cfg })
	ctx := context.Background()

	require.NoError(t, g.Check(ctx))
	require.ErrorIs(t, g.Check(ctx), guard.ErrRateLimited)

	cfg.MaxRequestsPerMinute = 10
	assert.NoError(t, g.Check(ctx))
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("down")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("down")
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("down") }

func TestGuard_FailsOpenWhenStoreIsDown(t *testing.T) {
	g := guard.New(failingStore{}, func() config.GuardConfig { return config.Default().Guard })
	ctx := context.Background()
	assert.NoError(t, g.Check(ctx))
	g.Breaker.RecordFailure(ctx)
	g.Breaker.RecordSuccess(ctx)
	assert.NoError(t, g.Check(ctx))
}

// stuckStore refuses deletes.
type stuckStore struct{ *cache.Memory }

func (stuckStore) Delete(context.Context, string) error { return errors.New("read-only replica") }

func TestCircuitBreaker_UnreadableRecordDropFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := stuckStore{cache.NewMemory()}
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "circuit_breaker:open", []byte("{not json"), time.Hour))

	g := guard.New(store, func() config.GuardConfig { return config.Default().Guard },
		guard.WithLogger(zap.New(core)))

	_, open, err := g.Breaker.State(ctx)
	require.NoError(t, err)
	assert.False(t, open, "unreadable record is treated as closed")
	assert.Equal(t, 1, logs.FilterMessage("circuit breaker record unreadable, dropping").Len())
	assert.Equal(t, 1, logs.FilterMessage("circuit breaker record not dropped").Len())
}

func TestGuard_Status(t *testing.T) {
	g, clk, _ := setup(t, nil)
	ctx := context.Background()
	d := g.Wrap(delivery.DelivererFunc(func(context.Context, types.Envelope) error {
		return errors.New("500 server error")
	}))
	env := types.Envelope{Type: "t", Email: "a@example.com"}

	st, err := g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, guard.Status{}, st)

	for i := 0; i < 5; i++ {
		require.Error(t, d.Deliver(ctx, env))
	}
	st, err = g.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.RequestsThisMinute)
	assert.Equal(t, int64(5), st.RequestsThisHour)
	assert.True(t, st.BreakerOpen)
	assert.Equal(t, clk.Now().Unix(), st.BreakerOpenedAt)
	assert.Equal(t, int64(5), st.BreakerFailures)

	// Status never clears the record itself.
	clk.Advance(301 * time.Second)
	st, err = g.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.BreakerOpen)
	_, open, err := g.Breaker.State(ctx)
	require.NoError(t, err)
	assert.True(t, open)
}

func TestGuard_StatusReportsStoreFailure(t *testing.T) {
	g := guard.New(failingStore{}, func() config.GuardConfig { return config.Default().Guard })
	_, err := g.Status(context.Background())
	assert.Error(t, err)
}
