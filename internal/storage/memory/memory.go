// Package memory is an in-process storage backend for tests and local
// development. Nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/snehjoshi/eventrelay/internal/node"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Backend implements storage.Backend in memory. Items are stored as JSON so
// callers never share mutable state with the queue.
type Backend struct {
	opts storage.Options

	mu      sync.Mutex
	queues  map[string]*Queue
	retries *RetryStore
}

var _ storage.Backend = (*Backend)(nil)

// New returns an empty backend.
func New(opts ...storage.Option) *Backend {
	return &Backend{
		opts:    storage.BuildOptions(opts...),
		queues:  make(map[string]*Queue),
		retries: &RetryStore{recs: make(map[string][]byte)},
	}
}

// Queue implements storage.Backend.
func (b *Backend) Queue(name string) (storage.BrowsableQueue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &Queue{
			name:    name,
			opts:    b.opts,
			items:   make(map[string][]byte),
			claimed: make(map[string]lease),
		}
		b.queues[name] = q
	}
	return q, nil
}

// Retries implements storage.Backend.
func (b *Backend) Retries() storage.RetryStore { return b.retries }

// Close implements storage.Backend.
func (b *Backend) Close() error { return nil }

// ─── Queue ────────────────────────────────────────────────────────────────────

type lease struct {
	receipt    string
	deadlineMs int64
}

// Queue is an in-memory storage.BrowsableQueue.
type Queue struct {
	name string
	opts storage.Options

	mu      sync.Mutex
	items   map[string][]byte
	ready   []string
	claimed map[string]lease
}

var _ storage.BrowsableQueue = (*Queue)(nil)

// Name implements storage.Queue.
func (q *Queue) Name() string { return q.name }

// Create implements storage.Queue.
func (q *Queue) Create(_ context.Context, item *types.Item) error {
	if item.ID == "" {
		id, err := node.NewID()
		if err != nil {
			return fmt.Errorf("memory: create %s: %w", q.name, err)
		}
		item.ID = id
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("memory: marshal item %s: %w", item.ID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ID] = body
	q.ready = append(q.ready, item.ID)
	return nil
}

// PutRaw stores an undecodable body under id. Used by tests exercising
// corrupted-item handling.
func (q *Queue) PutRaw(id string, body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[id] = body
	q.ready = append(q.ready, id)
}

// Claim implements storage.Queue.
func (q *Queue) Claim(_ context.Context) (*types.Item, error) {
	receipt, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("memory: claim %s: %w", q.name, err)
	}
	now := q.opts.Now()

	q.mu.Lock()
	nowMs := now.UnixMilli()
	for id, l := range q.claimed {
		if l.deadlineMs <= nowMs {
			delete(q.claimed, id)
			q.ready = append(q.ready, id)
		}
	}
	var (
		id   string
		body []byte
	)
	for len(q.ready) > 0 {
		id, q.ready = q.ready[0], q.ready[1:]
		if b, ok := q.items[id]; ok {
			body = b
			break
		}
		id = ""
	}
	if id != "" {
		q.claimed[id] = lease{receipt: receipt, deadlineMs: now.Add(q.opts.VisibilityTimeout).UnixMilli()}
	}
	q.mu.Unlock()

	if id == "" {
		return nil, nil
	}
	var item types.Item
	if err := json.Unmarshal(body, &item); err != nil {
		return &types.Item{ID: id, Receipt: receipt},
			fmt.Errorf("memory: claim %s: item %s: %w", q.name, id, storage.ErrCorrupted)
	}
	item.ID = id
	item.Receipt = receipt
	return &item, nil
}

// Delete implements storage.Queue.
func (q *Queue) Delete(_ context.Context, item *types.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.claimed[item.ID]
	if !ok {
		if _, exists := q.items[item.ID]; exists {
			return fmt.Errorf("memory: delete %s/%s: %w", q.name, item.ID, storage.ErrStaleReceipt)
		}
		return nil
	}
	if l.receipt != item.Receipt {
		return fmt.Errorf("memory: delete %s/%s: %w", q.name, item.ID, storage.ErrStaleReceipt)
	}
	delete(q.claimed, item.ID)
	delete(q.items, item.ID)
	return nil
}

// Count implements storage.Queue.
func (q *Queue) Count(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Peek implements storage.Browser.
func (q *Queue) Peek(_ context.Context, limit int) ([]*types.Item, error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.items))
	for id := range q.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	bodies := make([][]byte, len(ids))
	for i, id := range ids {
		bodies[i] = q.items[id]
	}
	q.mu.Unlock()

	var out []*types.Item
	for i, body := range bodies {
		if limit > 0 && len(out) >= limit {
			break
		}
		var it types.Item
		if json.Unmarshal(body, &it) != nil {
			continue
		}
		it.ID = ids[i]
		out = append(out, &it)
	}
	return out, nil
}

// Remove implements storage.Browser.
func (q *Queue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[id]; !ok {
		return fmt.Errorf("memory: remove %s/%s: %w", q.name, id, storage.ErrNotFound)
	}
	delete(q.items, id)
	delete(q.claimed, id)
	for i, r := range q.ready {
		if r == id {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
	return nil
}

// ─── RetryStore ───────────────────────────────────────────────────────────────

// RetryStore is an in-memory storage.RetryStore.
type RetryStore struct {
	mu   sync.Mutex
	recs map[string][]byte
}

var _ storage.RetryStore = (*RetryStore)(nil)

// Put implements storage.RetryStore.
func (r *RetryStore) Put(_ context.Context, rec *types.RetryRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: marshal retry %s: %w", rec.Key, err)
	}
	r.mu.Lock()
	r.recs[rec.Key] = b
	r.mu.Unlock()
	return nil
}

// Take implements storage.RetryStore.
func (r *RetryStore) Take(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recs[key]; !ok {
		return false, nil
	}
	delete(r.recs, key)
	return true, nil
}

// List implements storage.RetryStore.
func (r *RetryStore) List(_ context.Context) ([]*types.RetryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.RetryRecord, 0, len(r.recs))
	for k, b := range r.recs {
		var rec types.RetryRecord
		if json.Unmarshal(b, &rec) != nil {
			continue
		}
		rec.Key = k
		out = append(out, &rec)
	}
	return out, nil
}

// Len implements storage.RetryStore.
func (r *RetryStore) Len(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.recs)), nil
}
