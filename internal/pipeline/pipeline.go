// Package pipeline is the single façade over the event delivery pipeline.
//
// All application code (HTTP handlers, the websocket tail, the binary's
// trigger loops) talks to the Pipeline, never directly to storage, the guard
// or the scheduler.
//
// Data flow:
//
//	Producer → Pipeline.Submit → submit.Gate → work queue
//	Trigger  → Pipeline.Drain  → worker.RunOnce → guard → deliverer
//	                                            → scheduler.HandleRetry → retry store | archive
//	Trigger  → Pipeline.Sweep  → scheduler.ProcessScheduledRetries → work queue
//	                           → dlq.Archive.Reap
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/cache"
	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/dlq"
	"github.com/snehjoshi/eventrelay/internal/guard"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/metrics"
	"github.com/snehjoshi/eventrelay/internal/scheduler"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/storage/local"
	"github.com/snehjoshi/eventrelay/internal/storage/memory"
	"github.com/snehjoshi/eventrelay/internal/storage/redisq"
	"github.com/snehjoshi/eventrelay/internal/submit"
	"github.com/snehjoshi/eventrelay/internal/types"
	"github.com/snehjoshi/eventrelay/internal/worker"
)

// MaxListLimit caps DeadLetters and ReplayDeadLetters.
const MaxListLimit = 1000

// ─── Response types ───────────────────────────────────────────────────────────

// Stats is the pipeline-wide observability snapshot.
type Stats struct {
	scheduler.Stats
	QueueDepth int64 `json:"queue_depth"`
	// Guard is nil when the guard's cache could not be read.
	Guard *guard.Status `json:"guard,omitempty"`
}

// SweepResult reports one retry sweep.
type SweepResult struct {
	Promoted int `json:"promoted"`
	Reaped   int `json:"reaped"`
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Pipeline.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	metrics   *metrics.Registry
	deliverer delivery.Deliverer
	backend   storage.Backend
	store     cache.Store
	now       func() time.Time
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics attaches a registry. It observes the gate, the worker and the
// scheduler, and exposes queue depth gauges.
func WithMetrics(reg *metrics.Registry) Option { return func(o *options) { o.metrics = reg } }

// WithDeliverer replaces the HTTP deliverer built from the delivery section.
// The guard still wraps it.
func WithDeliverer(d delivery.Deliverer) Option { return func(o *options) { o.deliverer = d } }

// WithBackend supplies a storage backend instead of opening the configured
// one. The pipeline takes ownership and closes it.
func WithBackend(b storage.Backend) Option { return func(o *options) { o.backend = b } }

// WithCache supplies the guard's cache store instead of the configured one.
func WithCache(s cache.Store) Option { return func(o *options) { o.store = s } }

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// Pipeline wires storage, cache, guard, deliverer, gate, worker, scheduler
// and archive into one unit. All methods are safe for concurrent use.
type Pipeline struct {
	cfg    *config.Holder
	logger *zap.Logger

	backend storage.Backend
	redis   *redis.Client
	queue   storage.BrowsableQueue

	gate    *submit.Gate
	worker  *worker.Worker
	sched   *scheduler.Scheduler
	archive *dlq.Archive
	guard   *guard.Guard
}

// New builds a Pipeline from the current configuration in h. Settings that
// are read per call (retry, guard, worker, submit) follow later reloads of h;
// backends and endpoints are fixed at construction.
func New(h *config.Holder, opts ...Option) (*Pipeline, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	logger := logging.OrNop(o.logger)
	cfg := h.Get()

	p := &Pipeline{cfg: h, logger: logger}

	needRedis := (o.backend == nil && cfg.Storage.Backend == config.BackendRedis) ||
		(o.store == nil && cfg.Cache.Backend == config.BackendRedis)
	if needRedis {
		p.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = p.openBackend(cfg, o.now)
		if err != nil {
			p.closeRedis()
			return nil, err
		}
	}
	p.backend = backend

	var err error
	if p.queue, err = backend.Queue(storage.MainQueue); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("pipeline: open work queue: %w", err)
	}
	dead, err := backend.Queue(storage.DeadLetterQueue)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("pipeline: open dead letter queue: %w", err)
	}

	store := o.store
	if store == nil {
		store = p.openCache(cfg)
	}

	deliverer := o.deliverer
	if deliverer == nil {
		deliverer = delivery.NewHTTPClient(delivery.HTTPConfig{
			Endpoint:       cfg.Delivery.Endpoint,
			SiteUUID:       cfg.Delivery.SiteUUID,
			PublishableKey: cfg.Delivery.PublishableKey,
			SecretKey:      cfg.Delivery.SecretKey,
			RequestTimeout: config.Ms(cfg.Delivery.RequestTimeoutMs),
			ConnectTimeout: config.Ms(cfg.Delivery.ConnectTimeoutMs),
		})
	}

	p.guard = guard.New(store, h.Guard, guard.WithLogger(logger), guard.WithClock(o.now))
	guarded := p.guard.Wrap(deliverer)

	p.archive = dlq.New(dead, p.queue, dlq.WithLogger(logger), dlq.WithClock(o.now))

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger), scheduler.WithClock(o.now)}
	workerOpts := []worker.Option{worker.WithLogger(logger), worker.WithClock(o.now)}
	gateOpts := []submit.Option{submit.WithLogger(logger), submit.WithClock(o.now)}
	if o.metrics != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(o.metrics))
		workerOpts = append(workerOpts, worker.WithObserver(o.metrics))
		gateOpts = append(gateOpts, submit.WithObserver(o.metrics))
	}

	p.sched = scheduler.New(backend.Retries(), p.queue, p.archive, h.Retry, schedOpts...)
	p.worker = worker.New(p.queue, guarded, p.sched, h.Worker, workerOpts...)
	direct := submit.NewDirectSender(guarded, config.Ms(cfg.Submit.DirectSendTimeoutMs))
	p.gate = submit.NewGate(p.queue, direct, h.Submit, gateOpts...)

	if o.metrics != nil {
		p.registerGauges(o.metrics)
	}

	logger.Info("pipeline ready",
		zap.String("storage", string(cfg.Storage.Backend)),
		zap.String("cache", string(cfg.Cache.Backend)),
		zap.String("endpoint", cfg.Delivery.Endpoint))
	return p, nil
}

func (p *Pipeline) openBackend(cfg *config.Config, now func() time.Time) (storage.Backend, error) {
	opts := []storage.Option{
		storage.WithVisibilityTimeout(config.Ms(cfg.Queue.VisibilityTimeoutMs)),
		storage.WithClock(now),
	}
	switch cfg.Storage.Backend {
	case config.BackendLocal, "":
		db, err := local.Open(filepath.Join(cfg.Node.DataDir, "queue"), opts...)
		if err != nil {
			return nil, fmt.Errorf("pipeline: open local storage: %w", err)
		}
		return db, nil
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("pipeline: connect redis storage %s: %w", cfg.Redis.Addr, err)
		}
		return redisq.New(p.redis, cfg.Redis.KeyPrefix, opts...), nil
	case config.BackendMemory:
		p.logger.Warn("memory storage selected, queued events are lost on restart")
		return memory.New(opts...), nil
	default:
		return nil, fmt.Errorf("pipeline: unknown storage backend %q", cfg.Storage.Backend)
	}
}

func (p *Pipeline) openCache(cfg *config.Config) cache.Store {
	if cfg.Cache.Backend == config.BackendRedis {
		return cache.NewRedis(p.redis, cfg.Redis.KeyPrefix, cache.WithLogger(p.logger))
	}
	return cache.NewMemory()
}

func (p *Pipeline) registerGauges(reg *metrics.Registry) {
	read := func(fn func(ctx context.Context) (int64, error)) func() (int64, error) {
		return func() (int64, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return fn(ctx)
		}
	}
	reg.AddGauge("eventrelay_queue_depth", "Items in the work queue, ready or claimed",
		read(p.queue.Count))
	reg.AddGauge("eventrelay_scheduled_retries", "Retry records waiting for their scheduled time",
		read(p.backend.Retries().Len))
	reg.AddGauge("eventrelay_dead_letters", "Items in the dead letter archive",
		read(p.archive.Len))
}

// Close releases the storage backend and the redis client.
func (p *Pipeline) Close() error {
	var errs []error
	if p.backend != nil {
		if err := p.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: close storage: %w", err))
		}
	}
	if err := p.closeRedis(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) closeRedis() error {
	if p.redis == nil {
		return nil
	}
	if err := p.redis.Close(); err != nil {
		return fmt.Errorf("pipeline: close redis: %w", err)
	}
	return nil
}

// ─── Submission ───────────────────────────────────────────────────────────────

// Submit accepts one envelope. See submit.Gate.Submit.
func (p *Pipeline) Submit(ctx context.Context, env types.Envelope) bool {
	return p.gate.Submit(ctx, env)
}

// SubmitBatch accepts each envelope independently.
func (p *Pipeline) SubmitBatch(ctx context.Context, envs []types.Envelope) []bool {
	return p.gate.SubmitBatch(ctx, envs)
}

// ─── Triggers ─────────────────────────────────────────────────────────────────

// Drain runs one worker batch.
func (p *Pipeline) Drain(ctx context.Context) (worker.Report, error) {
	return p.worker.RunOnce(ctx)
}

// Sweep promotes due retries and reaps dead letters older than the
// configured retention. A failed promotion still lets the reaper run.
func (p *Pipeline) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	promoted, perr := p.sched.ProcessScheduledRetries(ctx)
	res.Promoted = promoted

	retention := config.Seconds(p.cfg.Retry().DeadLetterRetention)
	reaped, rerr := p.archive.Reap(ctx, retention)
	res.Reaped = reaped

	if perr != nil || rerr != nil {
		return res, errors.Join(perr, rerr)
	}
	if promoted > 0 {
		p.logger.Info("retry sweep complete", zap.Int("promoted", promoted), zap.Int("reaped", reaped))
	}
	return res, nil
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// Stats returns retry, dead letter and queue depth counts plus the guard's
// rate counters and breaker state.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	st, err := p.sched.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	depth, err := p.queue.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("pipeline: queue depth: %w", err)
	}
	out := Stats{Stats: st, QueueDepth: depth}
	if gs, err := p.guard.Status(ctx); err != nil {
		p.logger.Warn("guard status unavailable", zap.Error(err))
	} else {
		out.Guard = &gs
	}
	return out, nil
}

// DeadLetters lists up to limit archived items, oldest first.
func (p *Pipeline) DeadLetters(ctx context.Context, limit int) ([]*types.Item, error) {
	return p.archive.List(ctx, clampLimit(limit))
}

// DeadLettersSince lists archived items added after afterID.
func (p *Pipeline) DeadLettersSince(ctx context.Context, afterID string, limit int) ([]*types.Item, error) {
	return p.archive.Since(ctx, afterID, clampLimit(limit))
}

// ReplayDeadLetters moves up to limit archived items back onto the work queue.
func (p *Pipeline) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	return p.archive.Replay(ctx, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
