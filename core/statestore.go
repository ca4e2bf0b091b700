package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"warden/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StateStore is the shared, atomic, TTL-aware key/value store every rule and escalation
// policy coordinates through. Implementations must make each method a single atomic step.
type StateStore interface {
	// IncrWindow adds delta to a fixed-window counter; the TTL is set only when the key has none
	IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	// IncrSliding increments a counter and resets its TTL, so it expires only after inactivity
	IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// AddToSet adds member to a set with a fixed-window TTL and returns the set cardinality
	AddToSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
	// AddToTimeline inserts member at time at, dropping members older than retention
	AddToTimeline(ctx context.Context, key, member string, at time.Time, retention time.Duration) error
	// TimelineRange returns members with from <= time <= to, oldest first
	TimelineRange(ctx context.Context, key string, from, to time.Time) ([]string, error)
	// SetNX sets key only if it does not exist and reports whether it did
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the string value of key
	Get(ctx context.Context, key string) (string, bool, error)
	// GetInt returns the integer value of key, 0 when missing
	GetInt(ctx context.Context, key string) (int64, error)
	// GetInts returns integer values for keys, 0 for each missing key
	GetInts(ctx context.Context, keys []string) ([]int64, error)
	// SetInt overwrites key with value
	SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error
	// SetMax stores value only if it is greater than the current value and returns the value now stored
	SetMax(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error)
	// Ping checks connectivity
	Ping(ctx context.Context) error
	// Close releases the connection
	Close() error
}

var (
	// incrWindowScript increments and applies the TTL only to a key without one,
	// which keeps the window anchored at its first increment.
	incrWindowScript = redis.NewScript(`
local v = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return v
`)

	addToSetScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('SCARD', KEYS[1])
`)

	setMaxScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = tonumber(ARGV[1])
if v > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return v
end
return cur
`)
)

// RedisStateStore implements StateStore on Redis
type RedisStateStore struct {
	client  redis.UniversalClient
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewRedisStateStore creates a new Redis-backed state store
func NewRedisStateStore(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisStateStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})
	return NewRedisStateStoreWithClient(client, logger)
}

// NewRedisStateStoreWithClient wraps an existing client
func NewRedisStateStoreWithClient(client redis.UniversalClient, logger *zap.SugaredLogger) *RedisStateStore {
	return &RedisStateStore{
		client:  client,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// WithTimeout bounds every store operation; zero disables the bound
func (s *RedisStateStore) WithTimeout(d time.Duration) *RedisStateStore {
	s.timeout = d
	return s
}

// Ping tests the Redis connection
func (s *RedisStateStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.fail("ping", "", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// IncrWindow implements StateStore
func (s *RedisStateStore) IncrWindow(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := incrWindowScript.Run(ctx, s.client, []string{key}, delta, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, s.fail("incr_window", key, err)
	}
	return v, nil
}

// IncrSliding implements StateStore
func (s *RedisStateStore) IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, clampTTL(ttl))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.fail("incr_sliding", key, err)
	}
	return incr.Val(), nil
}

// AddToSet implements StateStore
func (s *RedisStateStore) AddToSet(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	card, err := addToSetScript.Run(ctx, s.client, []string{key}, member, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, s.fail("add_to_set", key, err)
	}
	return card, nil
}

// AddToTimeline implements StateStore
func (s *RedisStateStore) AddToTimeline(ctx context.Context, key, member string, at time.Time, retention time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	cutoff := at.Add(-retention).UnixMilli()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.PExpire(ctx, key, clampTTL(retention))
	if _, err := pipe.Exec(ctx); err != nil {
		return s.fail("add_to_timeline", key, err)
	}
	return nil
}

// TimelineRange implements StateStore
func (s *RedisStateStore) TimelineRange(ctx context.Context, key string, from, to time.Time) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, s.fail("timeline_range", key, err)
	}
	return members, nil
}

// SetNX implements StateStore
func (s *RedisStateStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	ok, err := s.client.SetNX(ctx, key, value, clampTTL(ttl)).Result()
	if err != nil {
		return false, s.fail("setnx", key, err)
	}
	return ok, nil
}

// Get implements StateStore
func (s *RedisStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.fail("get", key, err)
	}
	return v, true, nil
}

// GetInt implements StateStore
func (s *RedisStateStore) GetInt(ctx context.Context, key string) (int64, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %s holds non-integer value %q: %w", key, v, err)
	}
	return n, nil
}

// GetInts implements StateStore
func (s *RedisStateStore) GetInts(ctx context.Context, keys []string) ([]int64, error) {
	out := make([]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.fail("mget", keys[0], err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if n, perr := strconv.ParseInt(str, 10, 64); perr == nil {
			out[i] = n
		}
	}
	return out, nil
}

// SetInt implements StateStore
func (s *RedisStateStore) SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Set(ctx, key, value, clampTTL(ttl)).Err(); err != nil {
		return s.fail("set", key, err)
	}
	return nil
}

// SetMax implements StateStore
func (s *RedisStateStore) SetMax(ctx context.Context, key string, value int64, ttl time.Duration) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	v, err := setMaxScript.Run(ctx, s.client, []string{key}, value, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, s.fail("set_max", key, err)
	}
	return v, nil
}

func (s *RedisStateStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *RedisStateStore) fail(op, key string, err error) error {
	metrics.StateStoreErrors.WithLabelValues(op).Inc()
	if s.logger != nil {
		s.logger.Warnw("State store operation failed",
			"op", op,
			"key", key,
			"error_class", ErrorClassStateStore,
			"error", err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrStateUnavailable, op, key, err)
}

// clampTTL keeps TTLs at or above one millisecond; Redis rejects zero expirations
func clampTTL(ttl time.Duration) time.Duration {
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func ttlMillis(ttl time.Duration) int64 {
	return clampTTL(ttl).Milliseconds()
}
