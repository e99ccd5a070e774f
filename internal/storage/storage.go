// Package storage defines the durable primitives the pipeline is built on: a
// claimable work queue and a set of individually keyed retry records.
//
// Design principle: the gate, worker, scheduler and archive only interact
// with persistence through these interfaces. Backends (local bbolt, redis,
// memory) are chosen in config and are interchangeable.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/snehjoshi/eventrelay/internal/types"
)

// Queue names used by the pipeline.
const (
	MainQueue       = "events"
	DeadLetterQueue = "events_dlq"
)

// DefaultVisibilityTimeout is used by backends when none is configured.
const DefaultVisibilityTimeout = 5 * time.Minute

// ErrNotFound is returned when an item or record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored item cannot be decoded.
var ErrCorrupted = errors.New("storage: entry corrupted")

// ErrStaleReceipt is returned by Delete when the caller's lease has expired
// and the item was claimed again by someone else.
var ErrStaleReceipt = errors.New("storage: stale receipt")

// Queue is a FIFO-ish work queue with at-least-once claim semantics.
//
// A claimed item is invisible to other claimers until its lease expires. If
// the claimer does not Delete it in time the item becomes claimable again,
// which is how work survives a crashed worker.
//
// All methods must be safe for concurrent use, including from other
// processes sharing the same backend.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Create appends item. An empty ID is filled with a fresh ULID.
	Create(ctx context.Context, item *types.Item) error

	// Claim leases the oldest visible item. It returns nil, nil when the
	// queue is empty. When the stored body cannot be decoded Claim returns an
	// item carrying only ID and Receipt together with an error wrapping
	// ErrCorrupted, so the caller can still Delete it.
	Claim(ctx context.Context) (*types.Item, error)

	// Delete removes a claimed item using its Receipt. Deleting an item that
	// no longer exists is not an error.
	Delete(ctx context.Context, item *types.Item) error

	// Count returns the number of items, claimed or not.
	Count(ctx context.Context) (int64, error)
}

// Browser gives operators read access to a queue without claiming.
type Browser interface {
	// Peek returns up to limit items in ID order. Undecodable items are skipped.
	Peek(ctx context.Context, limit int) ([]*types.Item, error)

	// Remove deletes an item by ID regardless of claim state.
	Remove(ctx context.Context, id string) error
}

// BrowsableQueue is a Queue that can also be browsed.
type BrowsableQueue interface {
	Queue
	Browser
}

// RetryStore holds scheduled retry records, each under its own key, so
// concurrent sweeps only contend on individual records.
type RetryStore interface {
	// Put stores rec under rec.Key, overwriting any previous record.
	Put(ctx context.Context, rec *types.RetryRecord) error

	// Take deletes the record at key and reports whether this caller was the
	// one that removed it. Exactly one of several concurrent callers sees true.
	Take(ctx context.Context, key string) (bool, error)

	// List returns every stored record. Undecodable records are skipped.
	List(ctx context.Context) ([]*types.RetryRecord, error)

	// Len returns the number of stored records.
	Len(ctx context.Context) (int64, error)
}

// Backend opens named queues and the retry store on one persistence layer.
type Backend interface {
	Queue(name string) (BrowsableQueue, error)
	Retries() RetryStore
	Close() error
}

// Options are shared by every backend constructor.
type Options struct {
	VisibilityTimeout time.Duration
	Now               func() time.Time
}

// Option configures a backend.
type Option func(*Options)

// WithVisibilityTimeout sets the claim lease duration.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Options) { o.VisibilityTimeout = d }
}

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{VisibilityTimeout: DefaultVisibilityTimeout, Now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
