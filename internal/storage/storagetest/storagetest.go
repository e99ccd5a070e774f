// Package storagetest is a conformance suite every storage backend runs
// from its own tests.
package storagetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory opens a fresh, empty backend using the given options.
type Factory func(t *testing.T, opts ...storage.Option) storage.Backend

// Visibility is the lease used by the suite.
const Visibility = 30 * time.Second

// Run exercises the storage contracts against backends produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("CreateClaimDelete", func(t *testing.T) { testCreateClaimDelete(t, open) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, open) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, open) })
	t.Run("LeaseHidesItem", func(t *testing.T) { testLeaseHidesItem(t, open) })
	t.Run("LeaseExpiryRedelivers", func(t *testing.T) { testLeaseExpiry(t, open) })
	t.Run("StaleReceipt", func(t *testing.T) { testStaleReceipt(t, open) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { testConcurrentClaims(t, open) })
	t.Run("QueuesAreIsolated", func(t *testing.T) { testIsolation(t, open) })
	t.Run("PeekAndRemove", func(t *testing.T) { testPeekRemove(t, open) })
	t.Run("RetryPutTakeList", func(t *testing.T) { testRetryStore(t, open) })
	t.Run("RetryTakeIsExclusive", func(t *testing.T) { testRetryTakeExclusive(t, open) })
}

func envelope(typ string) types.Envelope {
	return types.Envelope{Type: typ, Email: "a@example.com"}
}

func openQueue(t *testing.T, b storage.Backend, name string) storage.BrowsableQueue {
	t.Helper()
	q, err := b.Queue(name)
	require.NoError(t, err)
	return q
}

func withClock(open Factory, t *testing.T) (storage.Backend, *Clock) {
	clk := NewClock(time.Unix(1_700_000_000, 0))
	b := open(t, storage.WithClock(clk.Now), storage.WithVisibilityTimeout(Visibility))
	t.Cleanup(func() { _ = b.Close() })
	return b, clk
}

func testCreateClaimDelete(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)
	ctx := context.Background()

	in := &types.Item{EventData: envelope("user_registration"), Created: 1_700_000_000}
	require.NoError(t, q.Create(ctx, in))
	require.NotEmpty(t, in.ID, "Create must assign an ID")

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, "user_registration", got.EventData.Type)
	assert.Equal(t, int64(1_700_000_000), got.Created)
	assert.NotEmpty(t, got.Receipt)

	// Claimed items still count.
	n, _ = q.Count(ctx)
	assert.Equal(t, int64(1), n)

	require.NoError(t, q.Delete(ctx, got))
	n, _ = q.Count(ctx)
	assert.Equal(t, int64(0), n)

	// Deleting again is a no-op.
	require.NoError(t, q.Delete(ctx, got))
}

func testClaimEmpty(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)

	got, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testFIFO(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)
	ctx := context.Background()

	for _, typ := range []string{"first", "second", "third"} {
		require.NoError(t, q.Create(ctx, &types.Item{EventData: envelope(typ), Created: 1}))
	}
	for _, want := range []string{"first", "second", "third"} {
		got, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.EventData.Type)
	}
}

func testLeaseHidesItem(t *testing.T, open Factory) {
	b, clk := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)
	ctx := context.Background()

	require.NoError(t, q.Create(ctx, &types.Item{EventData: envelope("a"), Created: 1}))
	first, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	clk.Advance(Visibility / 2)
	second, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, second, "a leased item must not be claimable")
}

func testLeaseExpiry(t *testing.T, open Factory) {
	b, clk := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)
	ctx := context.Background()

	require.NoError(t, q.Create(ctx, &types.Item{EventData: envelope("a"), Created: 1}))
	first, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	clk.Advance(Visibility + time.Second)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again, "an expired lease must make the item claimable again")
	assert.Equal(t, first.ID, again.ID)
	assert.NotEqual(t, first.Receipt, again.Receipt)
}

func testStaleReceipt(t *testing.T, open Factory) {
	b, clk := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)
	ctx := context.Background()

	require.NoError(t, q.Create(ctx, &types.Item{EventData: envelope("a"), Created: 1}))
	first, _ := q.Claim(ctx)
	clk.Advance(Visibility + time.Second)
	second, _ := q.Claim(ctx)
	require.NotNil(t, second)

	err := q.Delete(ctx, first)
	assert.ErrorIs(t, err, storage.ErrStaleReceipt)

	require.NoError(t, q.Delete(ctx, second))
	n, _ := q.Count(ctx)
	assert.Equal(t, int64(0), n)
}

func testConcurrentClaims(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	q := openQueue(t, b, storage.MainQueue)
	ctx := context.Background()

	const items = 40
	for i := 0; i < items; i++ {
		require.NoError(t, q.Create(ctx, &types.Item{EventData: envelope("a"), Created: 1}))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
		got  atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := q.Claim(ctx)
				if err != nil || it == nil {
					return
				}
				got.Add(1)
				mu.Lock()
				seen[it.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(items), got.Load())
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func testIsolation(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	main := openQueue(t, b, storage.MainQueue)
	dlq := openQueue(t, b, storage.DeadLetterQueue)
	ctx := context.Background()

	require.NoError(t, dlq.Create(ctx, &types.Item{EventData: envelope("dead"), Created: 1}))
	got, err := main.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, _ := dlq.Count(ctx)
	assert.Equal(t, int64(1), n)
}

func testPeekRemove(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	q := openQueue(t, b, storage.DeadLetterQueue)
	ctx := context.Background()

	var ids []string
	for _, typ := range []string{"a", "b", "c"} {
		it := &types.Item{EventData: envelope(typ), Created: 1, FinalError: "500 server error"}
		require.NoError(t, q.Create(ctx, it))
		ids = append(ids, it.ID)
	}

	items, err := q.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[0], items[0].ID)
	assert.Equal(t, "500 server error", items[0].FinalError)

	// Peeking does not claim.
	n, _ := q.Count(ctx)
	assert.Equal(t, int64(3), n)

	require.NoError(t, q.Remove(ctx, ids[0]))
	assert.ErrorIs(t, q.Remove(ctx, ids[0]), storage.ErrNotFound)

	items, err = q.Peek(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[1], items[0].ID)

	// A removed item is never claimed.
	got, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ids[1], got.ID)
}

func testRetryStore(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	rs := b.Retries()
	ctx := context.Background()

	rec := &types.RetryRecord{
		Key:           "k1",
		Item:          types.Item{EventData: envelope("a"), AttemptCount: 1, Created: 1},
		ScheduledTime: 1_700_000_060,
		Created:       1_700_000_000,
	}
	require.NoError(t, rs.Put(ctx, rec))
	require.NoError(t, rs.Put(ctx, &types.RetryRecord{Key: "k2", ScheduledTime: 5}))

	n, err := rs.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := rs.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	byKey := map[string]*types.RetryRecord{}
	for _, r := range list {
		byKey[r.Key] = r
	}
	require.Contains(t, byKey, "k1")
	assert.Equal(t, int64(1_700_000_060), byKey["k1"].ScheduledTime)
	assert.Equal(t, 1, byKey["k1"].Item.AttemptCount)

	took, err := rs.Take(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, took)

	took, err = rs.Take(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, took, "a record can only be taken once")

	n, _ = rs.Len(ctx)
	assert.Equal(t, int64(1), n)
}

func testRetryTakeExclusive(t *testing.T, open Factory) {
	b, _ := withClock(open, t)
	rs := b.Retries()
	ctx := context.Background()
	require.NoError(t, rs.Put(ctx, &types.RetryRecord{Key: "contended", ScheduledTime: 1}))

	var (
		wg  sync.WaitGroup
		won atomic.Int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := rs.Take(ctx, "contended"); err == nil && ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), won.Load())
}
