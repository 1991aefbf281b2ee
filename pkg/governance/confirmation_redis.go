package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jllopis/kyrax/pkg/core"
	kerrors "github.com/jllopis/kyrax/pkg/errors"
)

// RedisConfirmationStore keeps holds as JSON values under
// "kyrax:confirm:{token}". Keys outlive ExpiresAt by a grace period so an
// expired token can be told apart from an unknown one.
type RedisConfirmationStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
}

// NewRedisConfirmationStore creates the store.
func NewRedisConfirmationStore(client redis.UniversalClient, ttl time.Duration) *RedisConfirmationStore {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &RedisConfirmationStore{client: client, prefix: "kyrax:confirm:", ttl: ttl, grace: time.Minute, now: time.Now}
}

// Hold stores h.
func (s *RedisConfirmationStore) Hold(ctx context.Context, h Held) (Held, error) {
	if h.Command.IsZero() {
		return Held{}, kerrors.New(kerrors.CodeInvalidInput, "command is required", nil)
	}
	h = stamp(h, s.now(), s.ttl)
	payload, err := json.Marshal(h)
	if err != nil {
		return Held{}, err
	}
	exp := h.ExpiresAt.Sub(s.now()) + s.grace
	if err := s.client.Set(ctx, s.prefix+h.Token, payload, exp).Err(); err != nil {
		return Held{}, fmt.Errorf("redis hold: %w", err)
	}
	return h, nil
}

// Resolve atomically reads and deletes the hold.
func (s *RedisConfirmationStore) Resolve(ctx context.Context, token string) (Held, error) {
	raw, err := s.client.GetDel(ctx, s.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Held{}, notFound(token)
	}
	if err != nil {
		return Held{}, fmt.Errorf("redis resolve: %w", err)
	}
	var h Held
	if err := json.Unmarshal(raw, &h); err != nil {
		return Held{}, fmt.Errorf("decode held command: %w", err)
	}
	if h.Expired(s.now()) {
		return Held{}, expired(token)
	}
	return h, nil
}

// Discard deletes the hold.
func (s *RedisConfirmationStore) Discard(ctx context.Context, token string) error {
	n, err := s.client.Del(ctx, s.prefix+token).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(token)
	}
	return nil
}

// Pending scans for live holds, oldest first.
func (s *RedisConfirmationStore) Pending(ctx context.Context) ([]Held, error) {
	now := s.now()
	out := make([]Held, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var h Held
		if err := json.Unmarshal(raw, &h); err != nil {
			continue
		}
		if !h.Expired(now) {
			out = append(out, h)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// HealthCheck pings Redis.
func (s *RedisConfirmationStore) HealthCheck() core.HealthChecker {
	return core.HealthFunc(func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}
