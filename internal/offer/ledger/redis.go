package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/hotride/internal/offer/domain"
)

const defaultKeyPrefix = "offer:resolved:"

// Redis records resolutions with SETNX. Each key lives until the offer would
// have expired plus a retention window, after which the backend no longer
// lists it anyway.
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
	retention time.Duration
}

// NewRedis constructs the ledger. prefix lets several drivers share one Redis.
func NewRedis(client redis.Cmdable, prefix string, retention time.Duration) *Redis {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if retention <= 0 {
		retention = time.Minute
	}
	return &Redis{client: client, keyPrefix: prefix, retention: retention}
}

// Record keeps the first resolution of an instance.
func (r *Redis) Record(ctx context.Context, res domain.Resolution) error {
	ttl := res.ExpiresAt.Sub(res.At)
	if ttl < 0 {
		ttl = 0
	}
	ttl += r.retention
	if err := r.client.SetNX(ctx, r.key(res.Key()), string(res.Status), ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

func (r *Redis) Resolved(ctx context.Context, key domain.InstanceKey) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) key(k domain.InstanceKey) string {
	return r.keyPrefix + k.ID + ":" + strconv.FormatInt(k.ExpiresAt, 10)
}
