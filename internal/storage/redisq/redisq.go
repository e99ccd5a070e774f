// Package redisq is the shared storage backend: queues and retry records live
// in redis so several EventRelay processes can drain the same queue.
//
// Key layout for a queue named q (under the configured prefix):
//
//	q:<q>:items     hash  id → item JSON
//	q:<q>:ready     list  visible ids, oldest first
//	q:<q>:claimed   zset  id scored by lease deadline (unix ms)
//	q:<q>:receipts  hash  id → receipt of the current lease
//	scheduled_retries  hash  key → retry record JSON
//
// Claim and Delete are Lua scripts so each runs as one atomic step on the
// server regardless of how many processes compete.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/snehjoshi/eventrelay/internal/node"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// claimScript returns expired leases to the back of the ready list, then
// leases the first ready id whose body still exists.
//
// KEYS: ready, claimed, receipts, items  ARGV: now_ms, deadline_ms, receipt
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
  if redis.call('HEXISTS', KEYS[4], id) == 1 then
    redis.call('RPUSH', KEYS[1], id)
  end
end
local id = redis.call('LPOP', KEYS[1])
while id do
  local body = redis.call('HGET', KEYS[4], id)
  if body then
    redis.call('ZADD', KEYS[2], ARGV[2], id)
    redis.call('HSET', KEYS[3], id, ARGV[3])
    return {id, body}
  end
  id = redis.call('LPOP', KEYS[1])
end
return false
`)

// deleteScript returns 1 when deleted, 0 when the item is already gone and
// -1 when the receipt no longer matches.
//
// KEYS: claimed, receipts, items  ARGV: id, receipt
var deleteScript = redis.NewScript(`
local r = redis.call('HGET', KEYS[2], ARGV[1])
if not r then
  if redis.call('HEXISTS', KEYS[3], ARGV[1]) == 1 then
    return -1
  end
  return 0
end
if r ~= ARGV[2] then
  return -1
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return 1
`)

// Backend implements storage.Backend on a redis client it does not own.
type Backend struct {
	client *redis.Client
	prefix string
	opts   storage.Options
}

var _ storage.Backend = (*Backend)(nil)

// New returns a backend storing keys under prefix.
func New(client *redis.Client, prefix string, opts ...storage.Option) *Backend {
	return &Backend{client: client, prefix: prefix, opts: storage.BuildOptions(opts...)}
}

// Queue implements storage.Backend.
func (b *Backend) Queue(name string) (storage.BrowsableQueue, error) {
	base := b.prefix + "q:" + name + ":"
	return &Queue{
		client:   b.client,
		name:     name,
		items:    base + "items",
		ready:    base + "ready",
		claimed:  base + "claimed",
		receipts: base + "receipts",
		opts:     b.opts,
	}, nil
}

// Retries implements storage.Backend.
func (b *Backend) Retries() storage.RetryStore {
	return &RetryStore{client: b.client, key: b.prefix + "scheduled_retries"}
}

// Close is a no-op: the client is owned by the caller.
func (b *Backend) Close() error { return nil }

// ─── Queue ────────────────────────────────────────────────────────────────────

// Queue is a redis-backed storage.BrowsableQueue.
type Queue struct {
	client   *redis.Client
	name     string
	items    string
	ready    string
	claimed  string
	receipts string
	opts     storage.Options
}

var _ storage.BrowsableQueue = (*Queue)(nil)

// Name implements storage.Queue.
func (q *Queue) Name() string { return q.name }

// Create implements storage.Queue.
func (q *Queue) Create(ctx context.Context, item *types.Item) error {
	if item.ID == "" {
		id, err := node.NewID()
		if err != nil {
			return fmt.Errorf("redisq: create %s: %w", q.name, err)
		}
		item.ID = id
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redisq: marshal item %s: %w", item.ID, err)
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.items, item.ID, body)
		p.RPush(ctx, q.ready, item.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisq: create %s: %w", q.name, err)
	}
	return nil
}

// Claim implements storage.Queue.
func (q *Queue) Claim(ctx context.Context) (*types.Item, error) {
	receipt, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("redisq: claim %s: %w", q.name, err)
	}
	now := q.opts.Now()
	deadline := now.Add(q.opts.VisibilityTimeout).UnixMilli()

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.ready, q.claimed, q.receipts, q.items},
		now.UnixMilli(), deadline, receipt).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisq: claim %s: %w", q.name, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redisq: claim %s: unexpected reply length %d", q.name, len(res))
	}
	id, _ := res[0].(string)
	body, _ := res[1].(string)

	var item types.Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return &types.Item{ID: id, Receipt: receipt},
			fmt.Errorf("redisq: claim %s: item %s: %w", q.name, id, storage.ErrCorrupted)
	}
	item.ID = id
	item.Receipt = receipt
	return &item, nil
}

// Delete implements storage.Queue.
func (q *Queue) Delete(ctx context.Context, item *types.Item) error {
	n, err := deleteScript.Run(ctx, q.client,
		[]string{q.claimed, q.receipts, q.items}, item.ID, item.Receipt).Int64()
	if err != nil {
		return fmt.Errorf("redisq: delete %s/%s: %w", q.name, item.ID, err)
	}
	if n < 0 {
		return fmt.Errorf("redisq: delete %s/%s: %w", q.name, item.ID, storage.ErrStaleReceipt)
	}
	return nil
}

// Count implements storage.Queue.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	n, err := q.client.HLen(ctx, q.items).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: count %s: %w", q.name, err)
	}
	return n, nil
}

// Peek implements storage.Browser.
func (q *Queue) Peek(ctx context.Context, limit int) ([]*types.Item, error) {
	all, err := q.client.HGetAll(ctx, q.items).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: peek %s: %w", q.name, err)
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*types.Item
	for _, id := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		var it types.Item
		if json.Unmarshal([]byte(all[id]), &it) != nil {
			continue
		}
		it.ID = id
		out = append(out, &it)
	}
	return out, nil
}

// Remove implements storage.Browser.
func (q *Queue) Remove(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.HDel(ctx, q.items, id)
		p.LRem(ctx, q.ready, 0, id)
		p.ZRem(ctx, q.claimed, id)
		p.HDel(ctx, q.receipts, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisq: remove %s/%s: %w", q.name, id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("redisq: remove %s/%s: %w", q.name, id, storage.ErrNotFound)
	}
	return nil
}

// ─── RetryStore ───────────────────────────────────────────────────────────────

// RetryStore keeps retry records as fields of one hash. HDEL reports how many
// fields it removed, which makes Take a single atomic delete-if-present.
type RetryStore struct {
	client *redis.Client
	key    string
}

var _ storage.RetryStore = (*RetryStore)(nil)

// Put implements storage.RetryStore.
func (r *RetryStore) Put(ctx context.Context, rec *types.RetryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisq: marshal retry %s: %w", rec.Key, err)
	}
	if err := r.client.HSet(ctx, r.key, rec.Key, b).Err(); err != nil {
		return fmt.Errorf("redisq: put retry %s: %w", rec.Key, err)
	}
	return nil
}

// Take implements storage.RetryStore.
func (r *RetryStore) Take(ctx context.Context, key string) (bool, error) {
	n, err := r.client.HDel(ctx, r.key, key).Result()
	if err != nil {
		return false, fmt.Errorf("redisq: take retry %s: %w", key, err)
	}
	return n == 1, nil
}

// List implements storage.RetryStore.
func (r *RetryStore) List(ctx context.Context) ([]*types.RetryRecord, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redisq: list retries: %w", err)
	}
	out := make([]*types.RetryRecord, 0, len(all))
	for k, v := range all {
		var rec types.RetryRecord
		if json.Unmarshal([]byte(v), &rec) != nil {
			continue
		}
		rec.Key = k
		out = append(out, &rec)
	}
	return out, nil
}

// Len implements storage.RetryStore.
func (r *RetryStore) Len(ctx context.Context) (int64, error) {
	n, err := r.client.HLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redisq: retries len: %w", err)
	}
	return n, nil
}
