package threat

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBaselineStore keeps first-seen locations in Redis. SETNX makes the
// first writer win across every process.
type RedisBaselineStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisBaselineStore creates the store. A zero ttl keeps baselines forever.
func NewRedisBaselineStore(client redis.Cmdable, ttl time.Duration) *RedisBaselineStore {
	return &RedisBaselineStore{client: client, ttl: ttl}
}

func (s *RedisBaselineStore) Establish(ctx context.Context, actor, location string) (string, bool, error) {
	key := baselineKeyPrefix + actor
	ok, err := s.client.SetNX(ctx, key, location, s.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return location, true, nil
	}

	baseline, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return location, true, nil
	}
	if err != nil {
		return "", false, err
	}
	return baseline, false, nil
}

// MemoryBaselineStore is a bounded in-process baseline store
type MemoryBaselineStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, string]
}

func NewMemoryBaselineStore(size int) (*MemoryBaselineStore, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &MemoryBaselineStore{cache: c}, nil
}

func (s *MemoryBaselineStore) Establish(_ context.Context, actor, location string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if baseline, ok := s.cache.Get(actor); ok {
		return baseline, false, nil
	}
	s.cache.Add(actor, location)
	return location, true, nil
}

// FallbackBaselineStore answers from the local store when the shared store
// fails. Baselines established locally are not copied back.
type FallbackBaselineStore struct {
	primary   BaselineStore
	secondary BaselineStore
	logger    *zap.Logger
}

func NewFallbackBaselineStore(primary, secondary BaselineStore, logger *zap.Logger) *FallbackBaselineStore {
	return &FallbackBaselineStore{primary: primary, secondary: secondary, logger: logger}
}

func (s *FallbackBaselineStore) Establish(ctx context.Context, actor, location string) (string, bool, error) {
	baseline, established, err := s.primary.Establish(ctx, actor, location)
	if err == nil {
		return baseline, established, nil
	}
	s.logger.Warn("baseline store unavailable, using local baselines",
		zap.String("actor", actor), zap.Error(err))
	return s.secondary.Establish(ctx, actor, location)
}

// NetworkLocator maps an address to its enclosing network (/16 for IPv4,
// /32 for IPv6). It stands in for a geolocation service.
type NetworkLocator struct{}

func (NetworkLocator) Locate(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "unknown"
	}
	addr = addr.Unmap()
	bits := 32
	if addr.Is4() {
		bits = 16
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "unknown"
	}
	return prefix.String()
}
