package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeviceRegistry remembers devices an actor has verified. Devices are
// identified by a fingerprint of their user agent.
type RedisDeviceRegistry struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisDeviceRegistry(client redis.Cmdable, ttl time.Duration) *RedisDeviceRegistry {
	if ttl <= 0 {
		ttl = DeviceTrustTTL
	}
	return &RedisDeviceRegistry{client: client, ttl: ttl}
}

// Fingerprint derives a stable device id from the user agent
func Fingerprint(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:8])
}

func (r *RedisDeviceRegistry) Trust(ctx context.Context, actor, userAgent string) error {
	if err := r.client.Set(ctx, r.key(actor, userAgent), time.Now().UnixMilli(), r.ttl).Err(); err != nil {
		return fmt.Errorf("device trust save failed: %w", err)
	}
	return nil
}

func (r *RedisDeviceRegistry) IsTrusted(ctx context.Context, actor, userAgent string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(actor, userAgent)).Result()
	if err != nil {
		return false, fmt.Errorf("device trust lookup failed: %w", err)
	}
	return n > 0, nil
}

func (r *RedisDeviceRegistry) key(actor, userAgent string) string {
	return DeviceTrustPrefix + actor + ":" + Fingerprint(userAgent)
}
