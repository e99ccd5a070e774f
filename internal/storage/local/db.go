// Package local is the single-node storage backend: every queue and the
// retry store live in one bbolt file (eventrelay.db) under the data
// directory. A claim and its lease are written in the same transaction.
//
// Ready items are keyed by ULID, so cursor order is creation order.
package local

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/eventrelay/internal/storage"
)

const dbFileName = "eventrelay.db"

var bucketRetries = []byte("scheduled_retries")

// DB is the bbolt-backed storage.Backend.
type DB struct {
	db   *bbolt.DB
	opts storage.Options

	mu     sync.Mutex
	queues map[string]*Queue

	closeOnce sync.Once
}

var _ storage.Backend = (*DB)(nil)

// Open opens (or creates) the database file inside dir.
func Open(dir string, opts ...storage.Option) (*DB, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: create dir: %w", err)
	}
	path := filepath.Join(dir, dbFileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRetries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init buckets: %w", err)
	}

	return &DB{
		db:     db,
		opts:   storage.BuildOptions(opts...),
		queues: make(map[string]*Queue),
	}, nil
}

// Queue returns the named queue, creating its buckets on first use.
func (d *DB) Queue(name string) (storage.BrowsableQueue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q, ok := d.queues[name]; ok {
		return q, nil
	}
	q := &Queue{
		db:      d.db,
		name:    name,
		items:   []byte(name + "/items"),
		ready:   []byte(name + "/ready"),
		claimed: []byte(name + "/claimed"),
		opts:    d.opts,
	}
	if err := d.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{q.items, q.ready, q.claimed} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("local: init queue %s: %w", name, err)
	}
	d.queues[name] = q
	return q, nil
}

// Retries returns the scheduled retry store.
func (d *DB) Retries() storage.RetryStore { return &RetryStore{db: d.db} }

// Close closes the underlying bbolt database. Safe to call more than once.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() { err = d.db.Close() })
	return err
}
