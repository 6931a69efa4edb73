package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type counterEntry struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

func (e *counterEntry) expired(now time.Time) bool {
	return now.After(e.windowStart.Add(e.window))
}

// LocalCounterStore is the in-process CounterStore used when the shared store
// is unavailable. Expired entries are removed by Serve on a fixed interval,
// never on the increment path.
type LocalCounterStore struct {
	mu       sync.Mutex
	entries  map[string]*counterEntry
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// LocalOption configures a LocalCounterStore
type LocalOption func(*LocalCounterStore)

// WithClock overrides the time source
func WithClock(now func() time.Time) LocalOption {
	return func(s *LocalCounterStore) {
		s.now = now
	}
}

// NewLocalCounterStore creates a local store swept every cleanupInterval.
func NewLocalCounterStore(cleanupInterval time.Duration, logger *zap.Logger, opts ...LocalOption) (*LocalCounterStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cleanupInterval <= 0 {
		return nil, fmt.Errorf("cleanup interval must be positive, got %s", cleanupInterval)
	}

	s := &LocalCounterStore{
		entries:  make(map[string]*counterEntry),
		interval: cleanupInterval,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *LocalCounterStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("counter window must be positive, got %s", window)
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(now) {
		s.entries[key] = &counterEntry{count: 1, windowStart: now, window: window}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// Sweep removes every entry whose window has elapsed at now and returns the
// number removed.
func (s *LocalCounterStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (s *LocalCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Serve runs the periodic sweep until ctx is cancelled.
func (s *LocalCounterStore) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := s.Sweep(s.now()); removed > 0 {
				s.logger.Debug("local counter sweep completed", zap.Int("removed", removed))
			}
		}
	}
}

func (s *LocalCounterStore) String() string {
	return "local-counter-sweeper"
}
