// Package dlq is the dead letter archive: terminal storage for items that
// exhausted their retry attempts. Nothing here runs automatically except
// retention reaping; everything else is an operator action.
//
//   - Move:    archive an exhausted item with its final error.
//   - List:    read (but don't consume) archived items.
//   - Replay:  move archived items back onto the work queue as fresh items.
//   - Reap:    drop items older than the retention window.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Archive provides dead-letter operations over a dedicated queue.
type Archive struct {
	dead   storage.BrowsableQueue
	main   storage.Queue
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Archive) { a.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(a *Archive) { a.now = now } }

// New returns an archive storing into dead and replaying into main.
func New(dead storage.BrowsableQueue, main storage.Queue, opts ...Option) *Archive {
	a := &Archive{dead: dead, main: main, now: time.Now}
	for _, o := range opts {
		o(a)
	}
	a.logger = logging.OrNop(a.logger)
	return a
}

// Move stores a copy of item stamped with moved_to_dlq and final_error.
func (a *Archive) Move(ctx context.Context, item *types.Item, finalErr string) error {
	dead := item.Fresh()
	dead.MovedToDLQ = a.now().Unix()
	dead.FinalError = finalErr
	if err := a.dead.Create(ctx, dead); err != nil {
		return fmt.Errorf("dlq: move: %w", err)
	}
	a.logger.Error("event moved to dead letter archive",
		zap.String("item_id", dead.ID),
		zap.String("event_type", dead.EventData.Type),
		logging.Email(dead.EventData.Email),
		zap.Int("attempt", dead.AttemptCount),
		zap.String("final_error", finalErr))
	return nil
}

// List returns up to limit archived items, oldest first. limit <= 0 returns all.
func (a *Archive) List(ctx context.Context, limit int) ([]*types.Item, error) {
	items, err := a.dead.Peek(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	return items, nil
}

// Since returns up to limit archived items whose ID sorts after afterID.
// An empty afterID starts from the beginning.
func (a *Archive) Since(ctx context.Context, afterID string, limit int) ([]*types.Item, error) {
	all, err := a.dead.Peek(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("dlq: since: %w", err)
	}
	var out []*types.Item
	for _, it := range all {
		if it.ID <= afterID {
			continue
		}
		out = append(out, it)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of archived items.
func (a *Archive) Len(ctx context.Context) (int64, error) {
	n, err := a.dead.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("dlq: len: %w", err)
	}
	return n, nil
}

// Replay moves up to limit archived items back onto the work queue. Each
// replayed item starts over: attempt_count 0 and no error history. An item
// leaves the archive only after its fresh copy was created, so a failed
// create leaves it claimed until the lease expires. Returns the number of
// items replayed.
func (a *Archive) Replay(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 1
	}
	replayed := 0
	for replayed < limit {
		it, err := a.dead.Claim(ctx)
		if errors.Is(err, storage.ErrCorrupted) && it != nil {
			a.logger.Error("dropping unreadable dead letter", zap.String("item_id", it.ID), zap.Error(err))
			_ = a.dead.Delete(ctx, it)
			continue
		}
		if err != nil {
			return replayed, fmt.Errorf("dlq: replay: claim: %w", err)
		}
		if it == nil {
			break
		}

		fresh := &types.Item{
			EventData:    it.EventData,
			AttemptCount: 0,
			Created:      a.now().Unix(),
		}
		if err := a.main.Create(ctx, fresh); err != nil {
			return replayed, fmt.Errorf("dlq: replay: create: %w", err)
		}
		if err := a.dead.Delete(ctx, it); err != nil {
			a.logger.Warn("replayed dead letter not removed", zap.String("item_id", it.ID), zap.Error(err))
		}
		a.logger.Info("dead letter replayed",
			zap.String("item_id", it.ID),
			zap.String("new_item_id", fresh.ID),
			zap.String("event_type", it.EventData.Type))
		replayed++
	}
	return replayed, nil
}

// Reap removes archived items moved more than retention ago. A zero
// retention keeps everything. Returns the number of items removed.
func (a *Archive) Reap(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	items, err := a.dead.Peek(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("dlq: reap: %w", err)
	}
	cutoff := a.now().Add(-retention).Unix()
	reaped := 0
	for _, it := range items {
		if it.MovedToDLQ == 0 || it.MovedToDLQ >= cutoff {
			continue
		}
		if err := a.dead.Remove(ctx, it.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("dlq: reap %s: %w", it.ID, err)
		}
		reaped++
	}
	if reaped > 0 {
		a.logger.Info("dead letters reaped", zap.Int("count", reaped), zap.Duration("retention", retention))
	}
	return reaped, nil
}
