package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
)

// Manager provides access to all Redis-backed stores
type Manager struct {
	Client       *redis.Client
	Counters     *FallbackCounterStore
	Local        *LocalCounterStore
	Blocklist    *RedisBlocklist
	Accounts     *RedisAccountLocker
	Watchlist    *RedisWatchlist
	SessionTrust *RedisSessionTrustStore
	Devices      *RedisDeviceRegistry
	logger       *zap.Logger
}

// NewManager connects to Redis and builds the stores on top of the client.
func NewManager(cfg *config.Config, m *metrics.Security, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	client, err := NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return nil, err
	}

	mgr, err := NewManagerWithClient(client, cfg, m, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return mgr, nil
}

// NewManagerWithClient builds the stores on an existing client
func NewManagerWithClient(client *redis.Client, cfg *config.Config, m *metrics.Security, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	primary, err := NewRedisCounterStore(client, logger)
	if err != nil {
		return nil, err
	}

	local, err := NewLocalCounterStore(cfg.RateLimit.CleanupInterval, logger)
	if err != nil {
		return nil, err
	}

	counters, err := NewFallbackCounterStore(primary, local, BreakerConfig{
		Name:                "redis-counter-store",
		ConsecutiveFailures: cfg.RateLimit.BreakerFailures,
		Cooldown:            cfg.RateLimit.BreakerCooldown,
	}, m, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("cache manager initialized",
		zap.String("addr", cfg.Redis.URL),
		zap.Duration("cleanup_interval", cfg.RateLimit.CleanupInterval))

	return &Manager{
		Client:       client,
		Counters:     counters,
		Local:        local,
		Blocklist:    NewRedisBlocklist(client, logger),
		Accounts:     NewRedisAccountLocker(client, logger),
		Watchlist:    NewRedisWatchlist(client),
		SessionTrust: NewRedisSessionTrustStore(client, cfg.Trust.SessionTrustTTL, logger),
		Devices:      NewRedisDeviceRegistry(client, 0),
		logger:       logger,
	}, nil
}

// Close closes the Redis client
func (cm *Manager) Close() error {
	if err := cm.Client.Close(); err != nil {
		return fmt.Errorf("redis client close failed: %w", err)
	}
	cm.logger.Info("cache manager closed")
	return nil
}

// HealthCheck pings Redis and reports the counter store breaker state. A
// failing ping is reported as degraded rather than down since counting
// continues on the local store.
func (cm *Manager) HealthCheck(ctx context.Context) map[string]string {
	status := map[string]string{
		"counter_breaker": cm.Counters.State(),
		"redis":           "ok",
	}
	if err := cm.Client.Ping(ctx).Err(); err != nil {
		status["redis"] = "degraded: " + err.Error()
	}
	return status
}

// Stats returns connection pool statistics for monitoring
func (cm *Manager) Stats() map[string]interface{} {
	poolStats := cm.Client.PoolStats()
	return map[string]interface{}{
		"hits":        poolStats.Hits,
		"misses":      poolStats.Misses,
		"timeouts":    poolStats.Timeouts,
		"total_conns": poolStats.TotalConns,
		"idle_conns":  poolStats.IdleConns,
		"stale_conns": poolStats.StaleConns,
		"local_keys":  cm.Local.Len(),
	}
}
