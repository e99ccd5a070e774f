package guard

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/eventrelay/internal/cache"
)

const (
	minuteTTL = 2 * time.Minute
	hourTTL   = 2 * time.Hour
)

// RateLimiter caps outbound calls with fixed minute and hour buckets.
type RateLimiter struct {
	store    cache.Store
	settings Settings
	now      func() time.Time
	logger   *zap.Logger
}

// MinuteKey is the counter key for the minute bucket containing t.
func MinuteKey(t time.Time) string {
	return "ratelimit:minute:" + strconv.FormatInt(t.Unix()/60, 10)
}

// HourKey is the counter key for the hour bucket containing t.
func HourKey(t time.Time) string {
	return "ratelimit:hour:" + strconv.FormatInt(t.Unix()/3600, 10)
}

// Check rejects with ErrRateLimited when either bucket has reached its
// ceiling. Otherwise it counts this call in both buckets. Every attempted
// call counts, successful or not.
func (r *RateLimiter) Check(ctx context.Context) error {
	cfg := r.settings()
	if !cfg.EnableRateLimiting {
		return nil
	}
	now := r.now()
	minKey, hourKey := MinuteKey(now), HourKey(now)

	perMin, err := r.read(ctx, minKey)
	if err != nil {
		r.logger.Warn("rate limiter store unavailable, allowing call", zap.Error(err))
		return nil
	}
	perHour, err := r.read(ctx, hourKey)
	if err != nil {
		r.logger.Warn("rate limiter store unavailable, allowing call", zap.Error(err))
		return nil
	}
	if perMin >= int64(cfg.MaxRequestsPerMinute) || perHour >= int64(cfg.MaxRequestsPerHour) {
		r.logger.Warn("outbound rate limit reached",
			zap.Int64("minute_count", perMin),
			zap.Int64("hour_count", perHour),
			zap.Int("max_per_minute", cfg.MaxRequestsPerMinute),
			zap.Int("max_per_hour", cfg.MaxRequestsPerHour))
		return ErrRateLimited
	}

	if _, err := r.store.Incr(ctx, minKey, minuteTTL); err != nil {
		r.logger.Warn("rate limiter increment failed", zap.String("key", minKey), zap.Error(err))
	}
	if _, err := r.store.Incr(ctx, hourKey, hourTTL); err != nil {
		r.logger.Warn("rate limiter increment failed", zap.String("key", hourKey), zap.Error(err))
	}
	return nil
}

// Usage returns the current minute and hour counts.
func (r *RateLimiter) Usage(ctx context.Context) (perMinute, perHour int64, err error) {
	now := r.now()
	if perMinute, err = r.read(ctx, MinuteKey(now)); err != nil {
		return 0, 0, err
	}
	if perHour, err = r.read(ctx, HourKey(now)); err != nil {
		return 0, 0, err
	}
	return perMinute, perHour, nil
}

func (r *RateLimiter) read(ctx context.Context, key string) (int64, error) {
	v, found, err := r.store.Get(ctx, key)
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		// A garbage counter is treated as empty and will be overwritten by TTL.
		return 0, nil
	}
	return n, nil
}
