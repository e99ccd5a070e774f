// Package submit is the entry point for producers. The Gate validates an
// envelope, wraps it in a queue item and enqueues it. Callers only ever see
// accepted or rejected; everything after the queue is invisible to them.
package submit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/storage"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Observer receives gate outcomes, typically for metrics.
type Observer interface {
	Submitted(eventType string)
	Rejected(eventType string)
	FallbackSent(eventType string)
	FallbackFailed(eventType string)
}

// Gate validates and enqueues envelopes.
type Gate struct {
	queue    storage.Queue
	direct   *DirectSender
	settings func() config.SubmitConfig
	logger   *zap.Logger
	observer Observer
	now      func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option { return func(g *Gate) { g.observer = o } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// NewGate returns a gate enqueueing onto q. direct may be nil, in which case
// a queue failure rejects the envelope.
func NewGate(q storage.Queue, direct *DirectSender, settings func() config.SubmitConfig, opts ...Option) *Gate {
	g := &Gate{queue: q, direct: direct, settings: settings, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	g.logger = logging.OrNop(g.logger)
	if g.observer == nil {
		g.observer = nopObserver{}
	}
	return g
}

// Submit accepts env for delivery. It returns false when env fails
// validation, or when the queue is down and the direct send also fails.
func (g *Gate) Submit(ctx context.Context, env types.Envelope) bool {
	log := g.logger.With(zap.String("event_type", env.Type), logging.Email(env.Email))

	if err := Validate(env, g.settings().MaxPayloadBytes); err != nil {
		log.Warn("event rejected", zap.Error(err))
		g.observer.Rejected(env.Type)
		return false
	}

	item := &types.Item{EventData: env, AttemptCount: 0, Created: g.now().Unix()}
	err := g.queue.Create(ctx, item)
	if err == nil {
		log.Info("event queued", zap.String("item_id", item.ID))
		g.observer.Submitted(env.Type)
		return true
	}

	if g.direct == nil {
		log.Error("event queue unavailable, no fallback configured", zap.Error(err))
		g.observer.FallbackFailed(env.Type)
		return false
	}
	log.Warn("event queue unavailable, sending directly", zap.Error(err))
	if sendErr := g.direct.Send(ctx, env); sendErr != nil {
		log.Error("direct send failed", zap.Error(sendErr))
		g.observer.FallbackFailed(env.Type)
		return false
	}
	g.observer.FallbackSent(env.Type)
	return true
}

// SubmitBatch submits each envelope independently.
func (g *Gate) SubmitBatch(ctx context.Context, envs []types.Envelope) []bool {
	out := make([]bool, len(envs))
	for i, env := range envs {
		out[i] = g.Submit(ctx, env)
	}
	return out
}

type nopObserver struct{}

func (nopObserver) Submitted(string)      {}
func (nopObserver) Rejected(string)       {}
func (nopObserver) FallbackSent(string)   {}
func (nopObserver) FallbackFailed(string) {}
