package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/dlq"
	"github.com/snehjoshi/eventrelay/internal/scheduler"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/storage/memory"
	"github.com/snehjoshi/eventrelay/internal/storage/storagetest"
	"github.com/snehjoshi/eventrelay/internal/types"
)

var epoch = time.Unix(1_700_000_000, 0)

type fixture struct {
	sched   *scheduler.Scheduler
	backend *memory.Backend
	main    storage.BrowsableQueue
	archive *dlq.Archive
	clock   *storagetest.Clock
	obs     *observer
}

type observer struct {
	mu                                  sync.Mutex
	rescheduled, deadLettered, promoted int
}

func (o *observer) Rescheduled(string)  { o.mu.Lock(); o.rescheduled++; o.mu.Unlock() }
func (o *observer) DeadLettered(string) { o.mu.Lock(); o.deadLettered++; o.mu.Unlock() }
func (o *observer) Promoted(string)     { o.mu.Lock(); o.promoted++; o.mu.Unlock() }

func newFixture(t *testing.T, retry config.RetryConfig) *fixture {
	t.Helper()
	clock := storagetest.NewClock(epoch)
	b := memory.New(storage.WithClock(clock.Now))
	main, err := b.Queue(storage.MainQueue)
	require.NoError(t, err)
	dead, err := b.Queue(storage.DeadLetterQueue)
	require.NoError(t, err)
	archive := dlq.New(dead, main, dlq.WithClock(clock.Now))
	obs := &observer{}
	s := scheduler.New(b.Retries(), main, archive,
		func() config.RetryConfig { return retry },
		scheduler.WithClock(clock.Now),
		scheduler.WithObserver(obs))
	return &fixture{sched: s, backend: b, main: main, archive: archive, clock: clock, obs: obs}
}

func defaultRetry() config.RetryConfig { return config.Default().Retry }

func claimed(t *testing.T, q storage.Queue) *types.Item {
	t.Helper()
	it, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, it)
	return it
}

func TestDelay(t *testing.T) {
	base, max := 60*time.Second, 300*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 300 * time.Second},
		{10, 300 * time.Second},
		{63, 300 * time.Second},
		{1000, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scheduler.Delay(base, max, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelay_Monotonic(t *testing.T) {
	prev := time.Duration(0)
	for a := 1; a < 80; a++ {
		d := scheduler.Delay(time.Second, time.Hour, a)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Hour)
		prev = d
	}
}

func TestHandleRetry_SchedulesWithBackoff(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	require.NoError(t, f.main.Create(ctx, &types.Item{EventData: types.Envelope{Type: "t", Email: "a@example.com"}, Created: epoch.Unix()}))
	it := claimed(t, f.main)

	out, err := f.sched.HandleRetry(ctx, it, "503 unavailable")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRescheduled, out)
	assert.Zero(t, it.AttemptCount, "input item must not be mutated")

	recs, err := f.backend.Retries().List(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, epoch.Unix()+60, rec.ScheduledTime)
	assert.Equal(t, 1, rec.Item.AttemptCount)
	assert.Equal(t, epoch.Unix(), rec.Item.LastAttempt)
	assert.Equal(t, "503 unavailable", rec.Item.ErrorMessage)
	assert.Len(t, rec.Key, 64)
	assert.Equal(t, 1, f.obs.rescheduled)
}

func TestHandleRetry_SecondFailureDoublesDelay(t *testing.T) {
	f := newFixture(t, defaultRetry())
	it := &types.Item{ID: "x", EventData: types.Envelope{Type: "t", Email: "a@example.com"}, AttemptCount: 1}

	_, err := f.sched.HandleRetry(context.Background(), it, "timeout")
	require.NoError(t, err)
	recs, _ := f.backend.Retries().List(context.Background())
	require.Len(t, recs, 1)
	assert.Equal(t, epoch.Unix()+120, recs[0].ScheduledTime)
}

func TestHandleRetry_ExhaustedGoesToArchive(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	it := &types.Item{ID: "x", EventData: types.Envelope{Type: "t", Email: "a@example.com"}, AttemptCount: 2}

	out, err := f.sched.HandleRetry(ctx, it, "still failing")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDeadLettered, out)

	n, _ := f.backend.Retries().Len(ctx)
	assert.Zero(t, n)
	dead, err := f.archive.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].AttemptCount)
	assert.Equal(t, "still failing", dead[0].FinalError)
	assert.Equal(t, epoch.Unix(), dead[0].MovedToDLQ)
	assert.Equal(t, 1, f.obs.deadLettered)
}

func TestHandleRetry_MaxAttemptsFollowsSettings(t *testing.T) {
	retry := defaultRetry()
	retry.MaxAttempts = 1
	f := newFixture(t, retry)

	out, err := f.sched.HandleRetry(context.Background(), &types.Item{EventData: types.Envelope{Type: "t", Email: "a@example.com"}}, "x")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDeadLettered, out)
}

func TestProcessScheduledRetries_OnlyDue(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()

	_, err := f.sched.HandleRetry(ctx, &types.Item{EventData: types.Envelope{Type: "soon", Email: "a@example.com"}}, "x")
	require.NoError(t, err)
	_, err = f.sched.HandleRetry(ctx, &types.Item{EventData: types.Envelope{Type: "later", Email: "a@example.com"}, AttemptCount: 1}, "x")
	require.NoError(t, err)

	n, err := f.sched.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due yet")

	f.clock.Advance(60 * time.Second)
	n, err = f.sched.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	it := claimed(t, f.main)
	assert.Equal(t, "soon", it.EventData.Type)
	assert.Equal(t, 1, it.AttemptCount)
	assert.Equal(t, "x", it.ErrorMessage)

	left, _ := f.backend.Retries().Len(ctx)
	assert.Equal(t, int64(1), left)
}

func TestProcessScheduledRetries_Idempotent(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	_, err := f.sched.HandleRetry(ctx, &types.Item{EventData: types.Envelope{Type: "t", Email: "a@example.com"}}, "x")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.sched.ProcessScheduledRetries(ctx)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	n, _ := f.main.Count(ctx)
	assert.Equal(t, int64(1), n)
}

func TestHandleRetry_IdenticalEnvelopesKeepSeparateRecords(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	env := types.Envelope{Type: "page_view", Email: "a@example.com", Fields: map[string]string{"path": "/pricing"}}
	for i := 0; i < 2; i++ {
		require.NoError(t, f.main.Create(ctx, &types.Item{EventData: env, Created: epoch.Unix()}))
	}

	for i := 0; i < 2; i++ {
		it := claimed(t, f.main)
		out, err := f.sched.HandleRetry(ctx, it, "connection timeout")
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeRescheduled, out)
		require.NoError(t, f.main.Delete(ctx, it))
	}

	n, err := f.backend.Retries().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(f.obs.rescheduled), n, "one record per rescheduled outcome")
	assert.Equal(t, int64(2), n)

	recs, err := f.backend.Retries().List(ctx)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Empty(t, rec.Item.ID, "stored item carries no queue identity")
	}

	f.clock.Advance(time.Minute)
	promoted, err := f.sched.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)
	depth, _ := f.main.Count(ctx)
	assert.Equal(t, int64(2), depth)
}

func TestProcessScheduledRetries_IdempotentWithSeveralDue(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	env := types.Envelope{Type: "t", Email: "a@example.com"}
	for i := 0; i < 2; i++ {
		require.NoError(t, f.main.Create(ctx, &types.Item{EventData: env, Created: epoch.Unix()}))
	}
	for i := 0; i < 2; i++ {
		it := claimed(t, f.main)
		_, err := f.sched.HandleRetry(ctx, it, "x")
		require.NoError(t, err)
		require.NoError(t, f.main.Delete(ctx, it))
	}
	f.clock.Advance(time.Hour)

	n, err := f.sched.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.sched.ProcessScheduledRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep promotes nothing")

	depth, _ := f.main.Count(ctx)
	assert.Equal(t, int64(2), depth)
	left, _ := f.backend.Retries().Len(ctx)
	assert.Zero(t, left)
}

// failingQueue rejects Create so promotion fails.
type failingQueue struct{ storage.Queue }

func (failingQueue) Create(context.Context, *types.Item) error { return errors.New("queue offline") }

func TestProcessScheduledRetries_KeepsRecordOnFailedPromotion(t *testing.T) {
	clock := storagetest.NewClock(epoch)
	b := memory.New(storage.WithClock(clock.Now))
	main, _ := b.Queue(storage.MainQueue)
	dead, _ := b.Queue(storage.DeadLetterQueue)
	s := scheduler.New(b.Retries(), failingQueue{main}, dlq.New(dead, main),
		defaultRetry, scheduler.WithClock(clock.Now))
	ctx := context.Background()

	_, err := s.HandleRetry(ctx, &types.Item{EventData: types.Envelope{Type: "t", Email: "a@example.com"}}, "x")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	_, err = s.ProcessScheduledRetries(ctx)
	require.Error(t, err)
	n, _ := b.Retries().Len(ctx)
	assert.Equal(t, int64(1), n)
}

func TestStats(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	_, err := f.sched.HandleRetry(ctx, &types.Item{EventData: types.Envelope{Type: "a", Email: "a@example.com"}}, "x")
	require.NoError(t, err)
	_, err = f.sched.HandleRetry(ctx, &types.Item{EventData: types.Envelope{Type: "b", Email: "a@example.com"}, AttemptCount: 2}, "x")
	require.NoError(t, err)

	st, err := f.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Stats{ScheduledRetries: 1, DeadLetterQueueSize: 1, MaxAttempts: 3}, st)
}

// An item that fails every attempt is retried at 60s and 120s, then archived.
func TestLifecycle_AlwaysFailing(t *testing.T) {
	f := newFixture(t, defaultRetry())
	ctx := context.Background()
	require.NoError(t, f.main.Create(ctx, &types.Item{EventData: types.Envelope{Type: "t", Email: "a@example.com"}, Created: epoch.Unix()}))

	for _, wait := range []time.Duration{60 * time.Second, 120 * time.Second} {
		it := claimed(t, f.main)
		out, err := f.sched.HandleRetry(ctx, it, "503")
		require.NoError(t, err)
		require.Equal(t, types.OutcomeRescheduled, out)
		require.NoError(t, f.main.Delete(ctx, it))

		f.clock.Advance(wait - time.Second)
		n, _ := f.sched.ProcessScheduledRetries(ctx)
		require.Zero(t, n)
		f.clock.Advance(time.Second)
		n, _ = f.sched.ProcessScheduledRetries(ctx)
		require.Equal(t, 1, n)
	}

	it := claimed(t, f.main)
	assert.Equal(t, 2, it.AttemptCount)
	out, err := f.sched.HandleRetry(ctx, it, "503")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeDeadLettered, out)
	require.NoError(t, f.main.Delete(ctx, it))

	st, _ := f.sched.Stats(ctx)
	assert.Zero(t, st.ScheduledRetries)
	assert.Equal(t, int64(1), st.DeadLetterQueueSize)
	n, _ := f.main.Count(ctx)
	assert.Zero(t, n)
}
