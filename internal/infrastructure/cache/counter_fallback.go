package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
)

// BreakerConfig controls when the primary store is bypassed
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	Cooldown            time.Duration
}

// FallbackCounterStore serves increments from the primary store and switches
// to the local store whenever the primary fails or its breaker is open. It
// never returns a store error for a valid window.
type FallbackCounterStore struct {
	primary CounterStore
	local   *LocalCounterStore
	breaker *gobreaker.CircuitBreaker[int64]
	metrics *metrics.Security
	logger  *zap.Logger
}

// NewFallbackCounterStore wraps primary with a circuit breaker and a local
// fallback.
func NewFallbackCounterStore(primary CounterStore, local *LocalCounterStore, cfg BreakerConfig, m *metrics.Security, logger *zap.Logger) (*FallbackCounterStore, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary counter store is required")
	}
	if local == nil {
		return nil, fmt.Errorf("local counter store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "counter-store"
	}

	s := &FallbackCounterStore{
		primary: primary,
		local:   local,
		metrics: m,
		logger:  logger,
	}

	s.breaker = gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the health of the store.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("counter store circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return s, nil
}

func (s *FallbackCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("counter window must be positive, got %s", window)
	}

	count, err := s.breaker.Execute(func() (int64, error) {
		return s.primary.Increment(ctx, key, window)
	})
	if err == nil {
		return count, nil
	}

	reason := "error"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason = "breaker_open"
	} else {
		s.logger.Warn("shared counter store unavailable, using local store",
			zap.String("key", key),
			zap.Error(err))
	}
	s.metrics.RecordCounterFallback(reason)

	return s.local.Increment(ctx, key, window)
}

// State reports the breaker state for health checks
func (s *FallbackCounterStore) State() string {
	return s.breaker.State().String()
}
