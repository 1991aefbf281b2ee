package governance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jllopis/kyrax/pkg/core"
)

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient dials Redis and verifies it answers a ping.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// RedisRateLimiter keeps one sorted set of hit timestamps per key, shared by
// every process using the same Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisRateLimiter creates a limiter using keys "kyrax:rl:{key}".
func NewRedisRateLimiter(client redis.UniversalClient) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, prefix: "kyrax:rl:", now: time.Now}
}

// Allow implements RateLimiter.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, limit RateLimit) (bool, int, error) {
	if limit.Max <= 0 {
		return true, 0, nil
	}
	now := l.now().UnixMilli()
	cutoff := now - limit.Window.Milliseconds()
	redisKey := l.prefix + key
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, limit.Window+5*time.Second)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis rate limit: %w", err)
	}
	count := int(card.Val())
	if count > limit.Max {
		_ = l.client.ZRem(ctx, redisKey, member).Err()
		return false, count - 1, nil
	}
	return true, count, nil
}

// HealthCheck reports Redis reachability.
func (l *RedisRateLimiter) HealthCheck() core.HealthChecker {
	return core.HealthFunc(func(ctx context.Context) error {
		return l.client.Ping(ctx).Err()
	})
}
