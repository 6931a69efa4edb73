package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBlocklist stores blocked IPs as expiring keys holding the block reason.
type RedisBlocklist struct {
	client redis.Cmdable
	logger *zap.Logger
}

func NewRedisBlocklist(client redis.Cmdable, logger *zap.Logger) *RedisBlocklist {
	return &RedisBlocklist{client: client, logger: logger}
}

func (b *RedisBlocklist) Block(ctx context.Context, ip, reason string, ttl time.Duration) error {
	if ip == "" {
		return fmt.Errorf("ip is required")
	}
	if err := b.client.Set(ctx, BlockedIPPrefix+ip, reason, ttl).Err(); err != nil {
		b.logger.Error("ip block failed", zap.String("ip", ip), zap.Error(err))
		return fmt.Errorf("ip block failed: %w", err)
	}
	b.logger.Info("ip blocked",
		zap.String("ip", ip),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl))
	return nil
}

func (b *RedisBlocklist) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := b.client.Exists(ctx, BlockedIPPrefix+ip).Result()
	if err != nil {
		return false, fmt.Errorf("ip block lookup failed: %w", err)
	}
	return n > 0, nil
}

func (b *RedisBlocklist) Unblock(ctx context.Context, ip string) error {
	if err := b.client.Del(ctx, BlockedIPPrefix+ip).Err(); err != nil {
		return fmt.Errorf("ip unblock failed: %w", err)
	}
	return nil
}

// RedisAccountLocker records account locks and session revocations. A
// revocation stores the revocation time; sessions issued before it are
// invalid.
type RedisAccountLocker struct {
	client redis.Cmdable
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisAccountLocker(client redis.Cmdable, logger *zap.Logger) *RedisAccountLocker {
	return &RedisAccountLocker{client: client, logger: logger, now: time.Now}
}

func (l *RedisAccountLocker) Lock(ctx context.Context, actor, reason string, ttl time.Duration) error {
	if actor == "" {
		return fmt.Errorf("actor is required")
	}
	if err := l.client.Set(ctx, AccountLockPrefix+actor, reason, ttl).Err(); err != nil {
		l.logger.Error("account lock failed", zap.String("actor", actor), zap.Error(err))
		return fmt.Errorf("account lock failed: %w", err)
	}
	l.logger.Info("account locked",
		zap.String("actor", actor),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl))
	return nil
}

func (l *RedisAccountLocker) IsLocked(ctx context.Context, actor string) (bool, error) {
	n, err := l.client.Exists(ctx, AccountLockPrefix+actor).Result()
	if err != nil {
		return false, fmt.Errorf("account lock lookup failed: %w", err)
	}
	return n > 0, nil
}

func (l *RedisAccountLocker) RevokeSessions(ctx context.Context, actor string, ttl time.Duration) error {
	if actor == "" {
		return fmt.Errorf("actor is required")
	}
	at := strconv.FormatInt(l.now().UnixMilli(), 10)
	if err := l.client.Set(ctx, SessionRevokePrefix+actor, at, ttl).Err(); err != nil {
		l.logger.Error("session revocation failed", zap.String("actor", actor), zap.Error(err))
		return fmt.Errorf("session revocation failed: %w", err)
	}
	return nil
}

func (l *RedisAccountLocker) SessionsRevokedSince(ctx context.Context, actor string) (time.Time, bool, error) {
	raw, err := l.client.Get(ctx, SessionRevokePrefix+actor).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session revocation lookup failed: %w", err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt revocation marker for %s: %w", actor, err)
	}
	return time.UnixMilli(ms), true, nil
}

// RedisWatchlist flags actors for enhanced monitoring. The gateway logs every
// request from a flagged actor at info level.
type RedisWatchlist struct {
	client redis.Cmdable
}

func NewRedisWatchlist(client redis.Cmdable) *RedisWatchlist {
	return &RedisWatchlist{client: client}
}

func (w *RedisWatchlist) Watch(ctx context.Context, actor, reason string, ttl time.Duration) error {
	if err := w.client.Set(ctx, MonitoredPrefix+actor, reason, ttl).Err(); err != nil {
		return fmt.Errorf("monitoring flag failed: %w", err)
	}
	return nil
}

func (w *RedisWatchlist) IsWatched(ctx context.Context, actor string) (bool, error) {
	n, err := w.client.Exists(ctx, MonitoredPrefix+actor).Result()
	if err != nil {
		return false, fmt.Errorf("monitoring flag lookup failed: %w", err)
	}
	return n > 0, nil
}
