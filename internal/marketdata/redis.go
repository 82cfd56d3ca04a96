package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/matching-engine/internal/domain"
)

const depthKeyPrefix = "orderbook:l2:"

// RedisStore caches the latest depth snapshot so read traffic can be served
// without a round trip through the matching loop.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl of 0 keeps snapshots forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func depthKey(symbol string) string {
	return depthKeyPrefix + symbol
}

// SaveDepth overwrites the cached snapshot for the snapshot's symbol.
func (s *RedisStore) SaveDepth(ctx context.Context, snapshot domain.DepthSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal depth snapshot")
	}

	if err := s.client.Set(ctx, depthKey(snapshot.Symbol), payload, s.ttl).Err(); err != nil {
		return errors.Wrap(err, "save depth snapshot")
	}
	return nil
}

// LoadDepth reads the cached snapshot. The second return is false when no
// snapshot has been cached yet.
func (s *RedisStore) LoadDepth(ctx context.Context, symbol string) (domain.DepthSnapshot, bool, error) {
	payload, err := s.client.Get(ctx, depthKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DepthSnapshot{}, false, nil
	}
	if err != nil {
		return domain.DepthSnapshot{}, false, errors.Wrap(err, "load depth snapshot")
	}

	var snapshot domain.DepthSnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return domain.DepthSnapshot{}, false, errors.Wrap(err, "unmarshal depth snapshot")
	}
	return snapshot, true, nil
}

// Ping checks connectivity, for health probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "ping redis")
}
