package guard

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/cache"
)

const (
	breakerKey  = "circuit_breaker:open"
	failuresKey = "circuit_breaker:failures"
	failuresTTL = time.Hour
)

// BreakerState is the open-breaker record. Its absence means closed.
type BreakerState struct {
	OpenedAt     int64 `json:"opened_at"`
	FailureCount int64 `json:"failure_count"`
}

// CircuitBreaker stops outbound calls for a cooldown after
// failure_threshold consecutive failures.
//
// When the cooldown elapses the open record is cleared but the failure
// counter is left alone, so the very next failure re-opens the breaker
// while a success resets it. That gives half-open behaviour without a
// third state.
type CircuitBreaker struct {
	store    cache.Store
	settings Settings
	now      func() time.Time
	logger   *zap.Logger
}

// Check returns ErrCircuitOpen while the breaker is open. An open record
// whose timeout has elapsed is deleted and the call is allowed.
func (b *CircuitBreaker) Check(ctx context.Context) error {
	cfg := b.settings()
	if !cfg.EnableCircuitBreaker {
		return nil
	}
	st, open, err := b.State(ctx)
	if err != nil {
		b.logger.Warn("circuit breaker store unavailable, allowing call", zap.Error(err))
		return nil
	}
	if !open {
		return nil
	}
	if b.now().Unix()-st.OpenedAt <= int64(cfg.CircuitBreakerTimeout) {
		b.logger.Warn("circuit breaker open, skipping call",
			zap.Int64("opened_at", st.OpenedAt),
			zap.Int64("failure_count", st.FailureCount))
		return ErrCircuitOpen
	}
	if err := b.store.Delete(ctx, breakerKey); err != nil {
		b.logger.Warn("circuit breaker reset failed", zap.Error(err))
	}
	b.logger.Info("circuit breaker timeout elapsed, closing")
	return nil
}

// RecordSuccess clears the consecutive-failure counter.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context) {
	if !b.settings().EnableCircuitBreaker {
		return
	}
	if err := b.store.Delete(ctx, failuresKey); err != nil {
		b.logger.Warn("circuit breaker success not recorded", zap.Error(err))
	}
}

// RecordFailure counts a failed call and opens the breaker when the count
// reaches the threshold.
func (b *CircuitBreaker) RecordFailure(ctx context.Context) {
	cfg := b.settings()
	if !cfg.EnableCircuitBreaker {
		return
	}
	n, err := b.store.Incr(ctx, failuresKey, failuresTTL)
	if err != nil {
		b.logger.Warn("circuit breaker failure not recorded", zap.Error(err))
		return
	}
	if n < int64(cfg.CircuitBreakerFailureThreshold) {
		return
	}
	st := BreakerState{OpenedAt: b.now().Unix(), FailureCount: n}
	val, _ := json.Marshal(st)
	timeout := time.Duration(cfg.CircuitBreakerTimeout) * time.Second
	// The record outlives the timeout by a minute so Check, not TTL expiry,
	// is what closes the breaker.
	if err := b.store.Set(ctx, breakerKey, val, timeout+time.Minute); err != nil {
		b.logger.Warn("circuit breaker open not recorded", zap.Error(err))
		return
	}
	b.logger.Error("circuit breaker opened",
		zap.Int64("failure_count", n),
		zap.Int("timeout_seconds", cfg.CircuitBreakerTimeout))
}

// State returns the open record, if any.
func (b *CircuitBreaker) State(ctx context.Context) (BreakerState, bool, error) {
	v, found, err := b.store.Get(ctx, breakerKey)
	if err != nil || !found {
		return BreakerState{}, false, err
	}
	var st BreakerState
	if err := json.Unmarshal(v, &st); err != nil {
		// Unreadable record: treat as closed and drop it.
		b.logger.Warn("circuit breaker record unreadable, dropping", zap.Error(err))
		if err := b.store.Delete(ctx, breakerKey); err != nil {
			b.logger.Warn("circuit breaker record not dropped", zap.Error(err))
		}
		return BreakerState{}, false, nil
	}
	return st, true, nil
}

// Failures returns the current consecutive-failure count.
func (b *CircuitBreaker) Failures(ctx context.Context) (int64, error) {
	v, found, err := b.store.Get(ctx, failuresKey)
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
