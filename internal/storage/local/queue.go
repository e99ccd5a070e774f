package local

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/eventrelay/internal/node"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

var readyMark = []byte{1}

// Queue is a named work queue stored in three buckets:
//
//	<name>/items    id → item JSON
//	<name>/ready    id → readyMark      (visible, ULID order)
//	<name>/claimed  id → lease          (invisible until deadline)
type Queue struct {
	db      *bbolt.DB
	name    string
	items   []byte
	ready   []byte
	claimed []byte
	opts    storage.Options
}

var _ storage.BrowsableQueue = (*Queue)(nil)

// Name implements storage.Queue.
func (q *Queue) Name() string { return q.name }

// Create implements storage.Queue.
func (q *Queue) Create(_ context.Context, item *types.Item) error {
	if item.ID == "" {
		id, err := node.NewID()
		if err != nil {
			return fmt.Errorf("local: create %s: %w", q.name, err)
		}
		item.ID = id
	}
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("local: marshal item %s: %w", item.ID, err)
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(item.ID)
		if err := tx.Bucket(q.items).Put(key, body); err != nil {
			return err
		}
		return tx.Bucket(q.ready).Put(key, readyMark)
	})
	if err != nil {
		return fmt.Errorf("local: create %s: %w", q.name, err)
	}
	return nil
}

// Claim implements storage.Queue. Expired leases are returned to the ready
// set in the same transaction, before the oldest ready item is taken.
func (q *Queue) Claim(_ context.Context) (*types.Item, error) {
	receipt, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("local: claim %s: %w", q.name, err)
	}
	now := q.opts.Now()
	deadline := now.Add(q.opts.VisibilityTimeout).UnixMilli()

	var (
		id   []byte
		body []byte
	)
	err = q.db.Update(func(tx *bbolt.Tx) error {
		ready := tx.Bucket(q.ready)
		claimed := tx.Bucket(q.claimed)

		if err := requeueExpired(claimed, ready, now.UnixMilli()); err != nil {
			return err
		}

		k, _ := ready.Cursor().First()
		if k == nil {
			return nil
		}
		id = append([]byte(nil), k...)
		if err := ready.Delete(id); err != nil {
			return err
		}
		if err := claimed.Put(id, marshalLease(lease{receipt: receipt, deadlineMs: deadline})); err != nil {
			return err
		}
		if v := tx.Bucket(q.items).Get(id); v != nil {
			body = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: claim %s: %w", q.name, err)
	}
	if id == nil {
		return nil, nil
	}

	var item types.Item
	if body == nil || json.Unmarshal(body, &item) != nil {
		return &types.Item{ID: string(id), Receipt: receipt},
			fmt.Errorf("local: claim %s: item %s: %w", q.name, id, storage.ErrCorrupted)
	}
	item.ID = string(id)
	item.Receipt = receipt
	return &item, nil
}

func requeueExpired(claimed, ready *bbolt.Bucket, nowMs int64) error {
	var expired [][]byte
	if err := claimed.ForEach(func(k, v []byte) error {
		l, err := unmarshalLease(v)
		if err != nil || l.deadlineMs <= nowMs {
			expired = append(expired, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, k := range expired {
		if err := claimed.Delete(k); err != nil {
			return err
		}
		if err := ready.Put(k, readyMark); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements storage.Queue.
func (q *Queue) Delete(_ context.Context, item *types.Item) error {
	err := q.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(item.ID)
		items := tx.Bucket(q.items)
		claimed := tx.Bucket(q.claimed)

		v := claimed.Get(key)
		if v == nil {
			if items.Get(key) != nil {
				return storage.ErrStaleReceipt
			}
			return nil
		}
		l, err := unmarshalLease(v)
		if err == nil && l.receipt != item.Receipt {
			return storage.ErrStaleReceipt
		}
		if err := claimed.Delete(key); err != nil {
			return err
		}
		return items.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("local: delete %s/%s: %w", q.name, item.ID, err)
	}
	return nil
}

// Count implements storage.Queue.
func (q *Queue) Count(_ context.Context) (int64, error) {
	var n int64
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(q.items).Stats().KeyN)
		return nil
	})
	return n, err
}

// Peek implements storage.Browser.
func (q *Queue) Peek(_ context.Context, limit int) ([]*types.Item, error) {
	var out []*types.Item
	err := q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(q.items).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var it types.Item
			if json.Unmarshal(v, &it) != nil {
				continue
			}
			it.ID = string(k)
			out = append(out, &it)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: peek %s: %w", q.name, err)
	}
	return out, nil
}

// Remove implements storage.Browser.
func (q *Queue) Remove(_ context.Context, id string) error {
	key := []byte(id)
	err := q.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(q.items).Get(key) == nil {
			return storage.ErrNotFound
		}
		for _, b := range [][]byte{q.items, q.ready, q.claimed} {
			if err := tx.Bucket(b).Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("local: remove %s/%s: %w", q.name, id, err)
	}
	return nil
}

// ---- lease serialisation ----------------------------------------------------
// A lease is stored as a compact binary structure:
//
//	[deadlineMs : 8 bytes, int64 ]
//	[receipt    : remaining bytes]

type lease struct {
	receipt    string
	deadlineMs int64
}

func marshalLease(l lease) []byte {
	buf := make([]byte, 8+len(l.receipt))
	binary.BigEndian.PutUint64(buf, uint64(l.deadlineMs))
	copy(buf[8:], l.receipt)
	return buf
}

func unmarshalLease(buf []byte) (lease, error) {
	if len(buf) < 8 {
		return lease{}, fmt.Errorf("local: lease too short (%d bytes)", len(buf))
	}
	return lease{
		deadlineMs: int64(binary.BigEndian.Uint64(buf)),
		receipt:    string(buf[8:]),
	}, nil
}
