package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// incrScript increments a counter and sets its expiry only on creation, so a
// steady stream of increments never extends a bucket past its window.
var incrScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// Redis is a Store backed by a shared redis instance. Every command runs
// through a circuit breaker: once redis stops answering, calls fail
// immediately with gobreaker.ErrOpenState instead of each waiting out a
// dial timeout on the delivery hot path.
type Redis struct {
	client *redis.Client
	prefix string
	cb     *gobreaker.CircuitBreaker
}

// RedisOption configures a Redis store.
type RedisOption func(*redisSettings)

type redisSettings struct {
	logger  *zap.Logger
	trip    uint32
	timeout time.Duration
}

// WithLogger sets the logger used for breaker state changes.
func WithLogger(l *zap.Logger) RedisOption {
	return func(s *redisSettings) { s.logger = l }
}

// WithBreaker sets how many consecutive failures open the connection breaker
// and how long it stays open before probing again.
func WithBreaker(consecutiveFailures uint32, openFor time.Duration) RedisOption {
	return func(s *redisSettings) {
		s.trip = consecutiveFailures
		s.timeout = openFor
	}
}

// NewRedis wraps client. Keys are stored under prefix.
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	s := redisSettings{logger: zap.NewNop(), trip: 5, timeout: 10 * time.Second}
	for _, o := range opts {
		o(&s)
	}
	logger := s.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-redis",
		MaxRequests: 1,
		Timeout:     s.timeout,
		IsSuccessful: func(err error) bool {
			return err == nil || replyError(err)
		},
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("cache breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Redis{client: client, prefix: prefix, cb: cb}
}

func (r *Redis) key(k string) string { return r.prefix + k }

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var found bool
	v, err := r.cb.Execute(func() (interface{}, error) {
		b, err := r.client.Get(ctx, r.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		found = true
		return b, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, r.key(key), val, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Incr implements Store.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := r.cb.Execute(func() (interface{}, error) {
		return incrScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Int64()
	})
	if err != nil {
		if isNotInteger(err) {
			return 0, ErrNotInteger
		}
		return 0, fmt.Errorf("cache: redis incr: %w", err)
	}
	return v.(int64), nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	_, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.client.Del(ctx, r.key(key)).Err()
	})
	if err != nil {
		return fmt.Errorf("cache: redis delete: %w", err)
	}
	return nil
}

// BreakerState reports the connection breaker's state ("closed", "open", "half-open").
func (r *Redis) BreakerState() string { return r.cb.State().String() }

// replyError reports whether err is an error reply from redis itself, which
// proves the server is reachable and must not trip the connection breaker.
func replyError(err error) bool {
	var re redis.Error
	return errors.As(err, &re)
}

func isNotInteger(err error) bool {
	return replyError(err) && strings.Contains(strings.ToLower(err.Error()), "not an integer")
}
