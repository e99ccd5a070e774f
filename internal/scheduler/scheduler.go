// Package scheduler is the retry scheduler. It turns a retryable failure
// into either a delayed retry record or a dead letter, and its periodic
// sweep promotes due records back onto the work queue.
//
// There is no timer per item. A record only re-enters the queue when
// ProcessScheduledRetries runs, so promotion latency is bounded by the sweep
// interval.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/dlq"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Stats is the observability snapshot returned by Stats.
type Stats struct {
	ScheduledRetries    int64 `json:"scheduled_retries"`
	DeadLetterQueueSize int64 `json:"dead_letter_queue_size"`
	MaxAttempts         int   `json:"max_attempts"`
}

// Observer receives scheduler outcomes, typically for metrics.
type Observer interface {
	Rescheduled(eventType string)
	DeadLettered(eventType string)
	Promoted(eventType string)
}

// Scheduler handles retries for one work queue.
type Scheduler struct {
	retries  storage.RetryStore
	queue    storage.Queue
	archive  *dlq.Archive
	settings func() config.RetryConfig
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// New returns a Scheduler. settings is read on every call.
func New(retries storage.RetryStore, q storage.Queue, archive *dlq.Archive, settings func() config.RetryConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		retries:  retries,
		queue:    q,
		archive:  archive,
		settings: settings,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrNop(s.logger)
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	return s
}

// Delay returns min(base * 2^(attempt-1), max). attempt is 1-based; values
// below 1 are treated as 1. Large attempts saturate at max instead of
// overflowing.
func Delay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 62 {
		return max
	}
	mult := int64(1) << shift
	if int64(base) > math.MaxInt64/mult {
		return max
	}
	d := time.Duration(int64(base) * mult)
	if max > 0 && d > max {
		return max
	}
	return d
}

// RecordKey is the content hash identifying a retry record: SHA-256 over
// the item, including its queue ID, and its scheduled time.
func RecordKey(item types.Item, scheduledTime int64) (string, error) {
	b, err := json.Marshal(struct {
		Item          types.Item `json:"item"`
		ScheduledTime int64      `json:"scheduled_time"`
	}{item, scheduledTime})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HandleRetry records a failed attempt of item. The item is copied, never
// mutated. When the new attempt count reaches max_attempts the item goes to
// the dead letter archive; otherwise a retry record is stored for
// now + Delay.
func (s *Scheduler) HandleRetry(ctx context.Context, item *types.Item, reason string) (types.Outcome, error) {
	cfg := s.settings()
	now := s.now()

	next := item.Clone()
	next.AttemptCount = item.AttemptCount + 1
	next.LastAttempt = now.Unix()
	next.ErrorMessage = reason

	log := s.logger.With(
		zap.String("item_id", item.ID),
		zap.String("event_type", item.EventData.Type),
		logging.Email(item.EventData.Email),
		zap.Int("attempt", next.AttemptCount),
		zap.Int("max_attempts", cfg.MaxAttempts))

	if next.AttemptCount >= cfg.MaxAttempts {
		if err := s.archive.Move(ctx, next, reason); err != nil {
			return 0, fmt.Errorf("scheduler: dead-letter %s: %w", item.ID, err)
		}
		s.observer.DeadLettered(item.EventData.Type)
		return types.OutcomeDeadLettered, nil
	}

	delay := Delay(config.Seconds(cfg.BaseDelay), config.Seconds(cfg.MaxDelay), next.AttemptCount)
	scheduled := now.Add(delay).Unix()

	// The key is hashed while the item still carries its queue ID, so two
	// identical envelopes failing in the same second get distinct records.
	// The stored item drops the ID; promotion creates a new item.
	key, err := RecordKey(*next, scheduled)
	if err != nil {
		return 0, fmt.Errorf("scheduler: key %s: %w", item.ID, err)
	}
	next.ID = ""
	rec := &types.RetryRecord{Key: key, Item: *next, ScheduledTime: scheduled, Created: now.Unix()}
	if err := s.retries.Put(ctx, rec); err != nil {
		return 0, fmt.Errorf("scheduler: store retry %s: %w", item.ID, err)
	}

	log.Warn("event delivery failed, retry scheduled",
		zap.Duration("delay", delay),
		zap.Int64("scheduled_time", scheduled),
		zap.String("error", reason))
	s.observer.Rescheduled(item.EventData.Type)
	return types.OutcomeRescheduled, nil
}

// ProcessScheduledRetries promotes every due record back onto the work queue
// and leaves the rest untouched. Each record is taken individually, so
// overlapping sweeps never promote the same record twice. Returns the number
// of records promoted.
func (s *Scheduler) ProcessScheduledRetries(ctx context.Context) (int, error) {
	recs, err := s.retries.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list retries: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ScheduledTime < recs[j].ScheduledTime })

	now := s.now().Unix()
	promoted := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		if !rec.Due(now) {
			continue
		}
		took, err := s.retries.Take(ctx, rec.Key)
		if err != nil {
			return promoted, fmt.Errorf("scheduler: take retry %s: %w", rec.Key, err)
		}
		if !took {
			// Another sweep got it first.
			continue
		}

		item := rec.Item
		item.ID = ""
		if err := s.queue.Create(ctx, &item); err != nil {
			// Put the record back so the next sweep retries the promotion.
			if putErr := s.retries.Put(ctx, rec); putErr != nil {
				s.logger.Error("retry record lost after failed promotion",
					zap.String("key", rec.Key), zap.Error(putErr))
			}
			return promoted, fmt.Errorf("scheduler: promote %s: %w", rec.Key, err)
		}
		s.logger.Info("scheduled retry promoted",
			zap.String("item_id", item.ID),
			zap.String("event_type", item.EventData.Type),
			zap.Int("attempt", item.AttemptCount))
		s.observer.Promoted(item.EventData.Type)
		promoted++
	}
	return promoted, nil
}

// Stats returns the current retry and dead letter counts.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	n, err := s.retries.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	d, err := s.archive.Len(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("scheduler: stats: %w", err)
	}
	return Stats{
		ScheduledRetries:    n,
		DeadLetterQueueSize: d,
		MaxAttempts:         s.settings().MaxAttempts,
	}, nil
}

type nopObserver struct{}

func (nopObserver) Rescheduled(string)  {}
func (nopObserver) DeadLettered(string) {}
func (nopObserver) Promoted(string)     {}
