package pipeline_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/guard"
	"github.com/snehjoshi/eventrelay/internal/metrics"
	"github.com/snehjoshi/eventrelay/internal/pipeline"
	"github.com/snehjoshi/eventrelay/internal/storage/storagetest"
	"github.com/snehjoshi/eventrelay/internal/types"
)

var epoch = time.Unix(1_700_000_000, 0)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Cache.Backend = config.BackendMemory
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config, d delivery.DelivererFunc, opts ...pipeline.Option) (*pipeline.Pipeline, *storagetest.Clock) {
	t.Helper()
	clock := storagetest.NewClock(epoch)
	opts = append([]pipeline.Option{pipeline.WithDeliverer(d), pipeline.WithClock(clock.Now)}, opts...)
	p, err := pipeline.New(config.NewHolder("", cfg), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, clock
}

func env(typ string) types.Envelope {
	return types.Envelope{Type: typ, Email: "a@example.com"}
}

func TestSubmitAndDrain(t *testing.T) {
	var got []string
	p, _ := newPipeline(t, memoryConfig(t), func(_ context.Context, e types.Envelope) error {
		got = append(got, e.Type)
		return nil
	})
	ctx := context.Background()

	assert.True(t, p.Submit(ctx, env("user_registration")))
	assert.False(t, p.Submit(ctx, types.Envelope{Type: "x", Email: "not-an-email"}))
	assert.Equal(t, []bool{true, true}, p.SubmitBatch(ctx, []types.Envelope{env("a"), env("b")}))

	st, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.QueueDepth)

	rep, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Delivered)
	assert.Equal(t, []string{"user_registration", "a", "b"}, got)

	st, err = p.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Guard)
	assert.Equal(t, int64(3), st.Guard.RequestsThisMinute)
	assert.Equal(t, int64(3), st.Guard.RequestsThisHour)
	assert.False(t, st.Guard.BreakerOpen)
}

func TestRetryThenDeadLetterThenReplay(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	p, clock := newPipeline(t, memoryConfig(t), func(context.Context, types.Envelope) error {
		if failing.Load() {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	ctx := context.Background()
	require.True(t, p.Submit(ctx, env("order_placed")))

	for _, wait := range []time.Duration{60 * time.Second, 120 * time.Second} {
		rep, err := p.Drain(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Rescheduled)
		clock.Advance(wait)
		res, err := p.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Promoted)
	}
	rep, err := p.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.DeadLettered)

	st, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.DeadLetterQueueSize)
	assert.Zero(t, st.ScheduledRetries)
	assert.Zero(t, st.QueueDepth)
	assert.Equal(t, 3, st.MaxAttempts)

	dead, err := p.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "503 service unavailable", dead[0].FinalError)

	failing.Store(false)
	n, err := p.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rep, err = p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
}

func TestSweep_ReapsExpiredDeadLetters(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.DeadLetterRetention = 3600
	p, clock := newPipeline(t, cfg, func(context.Context, types.Envelope) error {
		return errors.New("connection refused")
	})
	ctx := context.Background()
	require.True(t, p.Submit(ctx, env("t")))
	rep, err := p.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.DeadLettered)

	clock.Advance(2 * time.Hour)
	res, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reaped)
	st, _ := p.Stats(ctx)
	assert.Zero(t, st.DeadLetterQueueSize)
}

func TestCircuitBreakerStopsCalls(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Guard.CircuitBreakerFailureThreshold = 2
	cfg.Guard.EnableRateLimiting = false
	var calls atomic.Int32
	p, clock := newPipeline(t, cfg, func(context.Context, types.Envelope) error {
		calls.Add(1)
		return errors.New("503 service unavailable")
	})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.True(t, p.Submit(ctx, env("t")))
	}

	rep, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Rescheduled)
	assert.Equal(t, int32(2), calls.Load(), "breaker opens after two failures")

	st, err := p.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Guard)
	assert.True(t, st.Guard.BreakerOpen)
	assert.Equal(t, epoch.Unix(), st.Guard.BreakerOpenedAt)
	assert.Equal(t, int64(2), st.Guard.BreakerFailures)

	clock.Advance(time.Duration(cfg.Guard.CircuitBreakerTimeout+1) * time.Second)
	st, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, st.Guard.BreakerOpen, "elapsed open record reports closed")
}

func TestLocalBackendPersists(t *testing.T) {
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	ctx := context.Background()

	p, err := pipeline.New(config.NewHolder("", cfg),
		pipeline.WithDeliverer(delivery.DelivererFunc(func(context.Context, types.Envelope) error { return nil })))
	require.NoError(t, err)
	require.True(t, p.Submit(ctx, env("t")))
	require.NoError(t, p.Close())

	p, err = pipeline.New(config.NewHolder("", cfg),
		pipeline.WithDeliverer(delivery.DelivererFunc(func(context.Context, types.Envelope) error { return nil })))
	require.NoError(t, err)
	defer p.Close()
	st, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.QueueDepth)
}

func TestRedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t)
	cfg.Storage.Backend = config.BackendRedis
	cfg.Cache.Backend = config.BackendRedis
	cfg.Redis.Addr = mr.Addr()

	p, _ := newPipeline(t, cfg, func(context.Context, types.Envelope) error { return nil })
	ctx := context.Background()
	require.True(t, p.Submit(ctx, env("t")))
	assert.True(t, mr.Exists("eventrelay:q:events:items"))

	rep, err := p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Delivered)
	assert.True(t, mr.Exists("eventrelay:"+guard.MinuteKey(epoch)))
}

func TestRedisStorageUnreachable(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Backend = config.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	_, err := pipeline.New(config.NewHolder("", cfg))
	require.Error(t, err)
}

func TestMetricsWired(t *testing.T) {
	var reg metrics.Registry
	p, _ := newPipeline(t, memoryConfig(t), func(context.Context, types.Envelope) error { return nil },
		pipeline.WithMetrics(&reg))
	ctx := context.Background()
	require.True(t, p.Submit(ctx, env("signup")))
	require.True(t, p.Submit(ctx, env("signup")))

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()
	body := get(t, srv.URL)
	assert.Contains(t, body, `eventrelay_events_total{outcome="submitted",event_type="signup"} 2`)
	assert.Contains(t, body, "eventrelay_queue_depth 2")

	_, err := p.Drain(ctx)
	require.NoError(t, err)
	body = get(t, srv.URL)
	assert.Contains(t, body, `eventrelay_events_total{outcome="delivered",event_type="signup"} 2`)
	assert.Contains(t, body, "eventrelay_queue_depth 0")
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
