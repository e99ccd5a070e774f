// Package worker drains the work queue. Each RunOnce claims a batch of items
// and drives every one of them to exactly one outcome: delivered, discarded,
// handed to the retry scheduler, or left leased for redelivery.
//
// The worker never schedules itself. A trigger loop or an external
// scheduler calls RunOnce; overlapping calls are safe because claims are
// exclusive for the visibility timeout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/guard"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Retrier takes over an item whose delivery failed with a retryable error.
// It is implemented by *scheduler.Scheduler.
type Retrier interface {
	HandleRetry(ctx context.Context, item *types.Item, reason string) (types.Outcome, error)
}

// Observer receives worker outcomes, typically for metrics.
type Observer interface {
	Delivered(eventType string, elapsed time.Duration)
	Discarded(eventType string)
	GuardRejected(reason string)
}

// Report counts the outcomes of one RunOnce.
type Report struct {
	Claimed      int `json:"claimed"`
	Delivered    int `json:"delivered"`
	Rescheduled  int `json:"rescheduled"`
	DeadLettered int `json:"dead_lettered"`
	Discarded    int `json:"discarded"`
	Leased       int `json:"leased"`
}

func (r *Report) add(o types.Outcome) {
	switch o {
	case types.OutcomeDelivered:
		r.Delivered++
	case types.OutcomeRescheduled:
		r.Rescheduled++
	case types.OutcomeDeadLettered:
		r.DeadLettered++
	case types.OutcomeDiscarded:
		r.Discarded++
	case types.OutcomeLeased:
		r.Leased++
	}
}

// Worker delivers items from one queue.
type Worker struct {
	queue    storage.Queue
	deliver  delivery.Deliverer
	retrier  Retrier
	settings func() config.WorkerConfig
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.logger = l } }

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option { return func(w *Worker) { w.observer = o } }

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

// New returns a Worker. settings is read on every RunOnce.
func New(q storage.Queue, d delivery.Deliverer, r Retrier, settings func() config.WorkerConfig, opts ...Option) *Worker {
	w := &Worker{queue: q, deliver: d, retrier: r, settings: settings, now: time.Now}
	for _, o := range opts {
		o(w)
	}
	w.logger = logging.OrNop(w.logger)
	if w.observer == nil {
		w.observer = nopObserver{}
	}
	return w
}

// RunOnce claims up to batch_size items and processes each of them. It stops
// claiming when the queue is empty or ctx is done, but never cancels an
// in-flight delivery. The returned error reports a
// failed claim; per-item failures are logged and counted, never returned.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	batch := w.settings().BatchSize
	if batch <= 0 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		item, err := w.queue.Claim(ctx)
		if errors.Is(err, storage.ErrCorrupted) && item != nil {
			rep.Claimed++
			w.logger.Error("discarding unreadable item", zap.String("item_id", item.ID), zap.Error(err))
			w.drop(ctx, item)
			w.observer.Discarded("")
			rep.add(types.OutcomeDiscarded)
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("worker: claim: %w", err)
		}
		if item == nil {
			break
		}
		rep.Claimed++
		// A claimed item is seen through to its outcome even when ctx is
		// cancelled mid-batch; the deliverer's own timeout bounds the call.
		rep.add(w.process(context.WithoutCancel(ctx), item))
	}
	if rep.Claimed > 0 {
		w.logger.Info("worker batch processed",
			zap.Int("claimed", rep.Claimed),
			zap.Int("delivered", rep.Delivered),
			zap.Int("rescheduled", rep.Rescheduled),
			zap.Int("dead_lettered", rep.DeadLettered),
			zap.Int("discarded", rep.Discarded),
			zap.Int("leased", rep.Leased))
	}
	return rep, nil
}

func (w *Worker) process(ctx context.Context, item *types.Item) types.Outcome {
	env := item.EventData
	log := w.logger.With(
		zap.String("item_id", item.ID),
		zap.String("event_type", env.Type),
		logging.Email(env.Email),
		zap.Int("attempt", item.AttemptCount))

	if err := checkItem(item); err != nil {
		log.Error("discarding malformed item", zap.Error(err))
		w.drop(ctx, item)
		w.observer.Discarded(env.Type)
		return types.OutcomeDiscarded
	}

	start := w.now()
	err := w.deliver.Deliver(ctx, env)
	elapsed := w.now().Sub(start)
	if err == nil {
		log.Info("event delivered", zap.Int64("elapsed_ms", elapsed.Milliseconds()))
		w.drop(ctx, item)
		w.observer.Delivered(env.Type, elapsed)
		return types.OutcomeDelivered
	}

	switch {
	case errors.Is(err, guard.ErrRateLimited):
		w.observer.GuardRejected("rate_limited")
	case errors.Is(err, guard.ErrCircuitOpen):
		w.observer.GuardRejected("circuit_open")
	}

	if delivery.Classify(err) == delivery.Permanent {
		log.Error("event delivery failed permanently, discarding",
			zap.String("kind", delivery.KindOf(err).String()), zap.Error(err))
		w.drop(ctx, item)
		w.observer.Discarded(env.Type)
		return types.OutcomeDiscarded
	}

	out, rerr := w.retrier.HandleRetry(ctx, item, err.Error())
	if rerr != nil {
		// The lease expires and the queue hands the item out again.
		log.Error("retry handling failed, leaving item leased", zap.Error(rerr), zap.NamedError("delivery_error", err))
		return types.OutcomeLeased
	}
	w.drop(ctx, item)
	return out
}

func (w *Worker) drop(ctx context.Context, item *types.Item) {
	if err := w.queue.Delete(ctx, item); err != nil {
		w.logger.Warn("delete after processing failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

// checkItem rejects items that can never be delivered regardless of the
// remote side.
func checkItem(item *types.Item) error {
	switch {
	case strings.TrimSpace(item.EventData.Type) == "":
		return errors.New("missing event type")
	case strings.TrimSpace(item.EventData.Email) == "":
		return errors.New("missing email")
	case item.AttemptCount < 0:
		return fmt.Errorf("negative attempt_count %d", item.AttemptCount)
	case item.Created < 0:
		return fmt.Errorf("invalid created %d", item.Created)
	case item.LastAttempt < 0:
		return fmt.Errorf("invalid last_attempt %d", item.LastAttempt)
	}
	return nil
}

type nopObserver struct{}

func (nopObserver) Delivered(string, time.Duration) {}
func (nopObserver) Discarded(string)                {}
func (nopObserver) GuardRejected(string)            {}
