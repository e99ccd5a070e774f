// Package guard throttles the outbound path. A rate limiter caps calls per
// minute and per hour and a circuit breaker stops calls for a cooldown after
// repeated failures. Both keep their state in a shared cache.Store, so every
// worker process sees the same counters.
//
// The state is soft: counters race between processes and may overshoot the
// ceiling slightly. When the store itself fails the guard lets the call
// through and logs a warning; throttling must never be the reason an event
// is lost.
package guard

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/cache"
	"github.com/snehjoshi/eventrelay/internal/config"
	"github.com/snehjoshi/eventrelay/internal/delivery"
	"github.com/snehjoshi/eventrelay/internal/logging"
	"github.com/snehjoshi/eventrelay/internal/types"
)

// Rejections returned by Check. Both are retryable by kind.
var (
	ErrRateLimited = &delivery.Error{Kind: delivery.KindRateLimited, Msg: "rate limit exceeded"}
	ErrCircuitOpen = &delivery.Error{Kind: delivery.KindUnavailable, Msg: "service temporarily unavailable"}
)

// Settings returns the current guard configuration. It is called on every
// check so a config reload takes effect immediately.
type Settings func() config.GuardConfig

// Guard combines the rate limiter and the circuit breaker.
type Guard struct {
	Limiter *RateLimiter
	Breaker *CircuitBreaker
}

// Option configures a Guard.
type Option func(*options)

type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New returns a Guard over store.
func New(store cache.Store, settings Settings, opts ...Option) *Guard {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	o.logger = logging.OrNop(o.logger)
	return &Guard{
		Limiter: &RateLimiter{store: store, settings: settings, now: o.now, logger: o.logger},
		Breaker: &CircuitBreaker{store: store, settings: settings, now: o.now, logger: o.logger},
	}
}

// Check runs the rate limiter, then the breaker. It returns ErrRateLimited,
// ErrCircuitOpen or nil.
func (g *Guard) Check(ctx context.Context) error {
	if err := g.Limiter.Check(ctx); err != nil {
		return err
	}
	return g.Breaker.Check(ctx)
}

// Status is a read-only snapshot of the guard, reported by /v1/stats.
type Status struct {
	RequestsThisMinute int64 `json:"requests_this_minute"`
	RequestsThisHour   int64 `json:"requests_this_hour"`
	BreakerOpen        bool  `json:"circuit_breaker_open"`
	BreakerOpenedAt    int64 `json:"circuit_breaker_opened_at,omitempty"`
	BreakerFailures    int64 `json:"circuit_breaker_failures"`
}

// Status reads the current counters and breaker record without changing
// them. An open record whose timeout has elapsed is reported as closed.
func (g *Guard) Status(ctx context.Context) (Status, error) {
	var st Status
	var err error
	if st.RequestsThisMinute, st.RequestsThisHour, err = g.Limiter.Usage(ctx); err != nil {
		return Status{}, fmt.Errorf("guard: status: %w", err)
	}
	if st.BreakerFailures, err = g.Breaker.Failures(ctx); err != nil {
		return Status{}, fmt.Errorf("guard: status: %w", err)
	}
	rec, open, err := g.Breaker.State(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("guard: status: %w", err)
	}
	timeout := int64(g.Breaker.settings().CircuitBreakerTimeout)
	if open && g.Breaker.now().Unix()-rec.OpenedAt <= timeout {
		st.BreakerOpen = true
		st.BreakerOpenedAt = rec.OpenedAt
	}
	return st, nil
}

// Wrap returns a Deliverer that checks g before calling next and records the
// outcome of next on the breaker. Guard rejections never reach the breaker's
// failure counter.
func (g *Guard) Wrap(next delivery.Deliverer) delivery.Deliverer {
	return delivery.DelivererFunc(func(ctx context.Context, env types.Envelope) error {
		if err := g.Check(ctx); err != nil {
			return err
		}
		if err := next.Deliver(ctx, env); err != nil {
			g.Breaker.RecordFailure(ctx)
			return err
		}
		g.Breaker.RecordSuccess(ctx)
		return nil
	})
}
