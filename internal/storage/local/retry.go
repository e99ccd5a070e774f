package local

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// RetryStore keeps one bbolt key per scheduled retry record.
type RetryStore struct {
	db *bbolt.DB
}

var _ storage.RetryStore = (*RetryStore)(nil)

// Put implements storage.RetryStore.
func (r *RetryStore) Put(_ context.Context, rec *types.RetryRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("local: marshal retry %s: %w", rec.Key, err)
	}
	err = r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRetries).Put([]byte(rec.Key), val)
	})
	if err != nil {
		return fmt.Errorf("local: put retry %s: %w", rec.Key, err)
	}
	return nil
}

// Take implements storage.RetryStore. bbolt serialises writers, so the
// get-then-delete pair is atomic.
func (r *RetryStore) Take(_ context.Context, key string) (bool, error) {
	var took bool
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRetries)
		if b.Get([]byte(key)) == nil {
			return nil
		}
		took = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("local: take retry %s: %w", key, err)
	}
	return took, nil
}

// List implements storage.RetryStore.
func (r *RetryStore) List(_ context.Context) ([]*types.RetryRecord, error) {
	var out []*types.RetryRecord
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRetries).ForEach(func(k, v []byte) error {
			var rec types.RetryRecord
			if json.Unmarshal(v, &rec) != nil {
				return nil
			}
			rec.Key = string(k)
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("local: list retries: %w", err)
	}
	return out, nil
}

// Len implements storage.RetryStore.
func (r *RetryStore) Len(_ context.Context) (int64, error) {
	var n int64
	err := r.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(bucketRetries).Stats().KeyN)
		return nil
	})
	return n, err
}
