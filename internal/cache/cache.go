// Package cache provides the shared TTL key/value store used for the
// outbound guard's rate-limit counters and circuit-breaker record.
//
// Entries are soft state: they may vanish at any time (TTL, eviction, a
// restarted backend) and concurrent writers race without transactions.
// Callers must treat a miss as "no information", never as an error.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned by Incr when the stored value is not an integer.
var ErrNotInteger = errors.New("cache: value is not an integer")

// Store is a TTL key/value store.
type Store interface {
	// Get returns the value stored at key. found is false on a miss.
	Get(ctx context.Context, key string) (val []byte, found bool, err error)

	// Set stores val at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error

	// Incr atomically increments the integer at key and returns the new
	// value. ttl is applied only when the increment creates the key.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
