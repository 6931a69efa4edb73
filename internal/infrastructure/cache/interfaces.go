package cache

import (
	"context"
	"errors"
	"time"
)

// CounterStore is a shared, expiring key to count store. Increment is atomic
// per key: it starts a fresh window with count 1 when the key is absent or its
// window has elapsed, and otherwise returns the incremented total.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// IPBlocklist is the containment target for IP blocking responses.
type IPBlocklist interface {
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	Unblock(ctx context.Context, ip string) error
}

// AccountLocker locks accounts and revokes their sessions.
type AccountLocker interface {
	Lock(ctx context.Context, actor, reason string, ttl time.Duration) error
	IsLocked(ctx context.Context, actor string) (bool, error)
	RevokeSessions(ctx context.Context, actor string, ttl time.Duration) error
	SessionsRevokedSince(ctx context.Context, actor string) (time.Time, bool, error)
}

// Key prefixes for consistent cache key naming
const (
	SessionTrustPrefix  = "session_trust:"
	BlockedIPPrefix     = "security:blocked_ip:"
	AccountLockPrefix   = "security:account_lock:"
	SessionRevokePrefix = "security:session_revoked:"
	MonitoredPrefix     = "security:monitored:"
	DeviceTrustPrefix   = "device_trust:"
)

// Common TTL values
const (
	SessionTrustTTL = 24 * time.Hour
	MonitoringTTL   = 24 * time.Hour
	DeviceTrustTTL  = 90 * 24 * time.Hour
)

// ErrCacheKeyNotFound is returned when a cache key doesn't exist
type ErrCacheKeyNotFound struct {
	Key string
}

func (e ErrCacheKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}

// IsKeyNotFound reports whether err is or wraps ErrCacheKeyNotFound
func IsKeyNotFound(err error) bool {
	var missing ErrCacheKeyNotFound
	return errors.As(err, &missing)
}
