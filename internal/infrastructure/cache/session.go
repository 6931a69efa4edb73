package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionTrust is the last trust evaluation recorded for a session
type SessionTrust struct {
	SessionID string
	Actor     string
	Score     float64
	Level     string
	UpdatedAt time.Time
}

// RedisSessionTrustStore keeps session trust records in Redis hashes
type RedisSessionTrustStore struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSessionTrustStore creates a session trust store. A zero ttl uses
// SessionTrustTTL.
func NewRedisSessionTrustStore(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisSessionTrustStore {
	if ttl <= 0 {
		ttl = SessionTrustTTL
	}
	return &RedisSessionTrustStore{client: client, ttl: ttl, logger: logger}
}

func (s *RedisSessionTrustStore) Save(ctx context.Context, st SessionTrust) error {
	if st.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	key := SessionTrustPrefix + st.SessionID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"actor", st.Actor,
		"score", strconv.FormatFloat(st.Score, 'f', -1, 64),
		"level", st.Level,
		"updated_at", st.UpdatedAt.UnixMilli(),
	)
	pipe.Expire(ctx, key, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("session trust save failed",
			zap.String("session_id", st.SessionID),
			zap.Error(err))
		return fmt.Errorf("session trust save failed: %w", err)
	}
	return nil
}

func (s *RedisSessionTrustStore) Get(ctx context.Context, sessionID string) (SessionTrust, error) {
	key := SessionTrustPrefix + sessionID

	result, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return SessionTrust{}, fmt.Errorf("session trust get failed: %w", err)
	}
	if len(result) == 0 {
		return SessionTrust{}, ErrCacheKeyNotFound{Key: key}
	}

	score, err := strconv.ParseFloat(result["score"], 64)
	if err != nil {
		return SessionTrust{}, fmt.Errorf("corrupt session trust score for %s: %w", sessionID, err)
	}
	updated, _ := strconv.ParseInt(result["updated_at"], 10, 64)

	return SessionTrust{
		SessionID: sessionID,
		Actor:     result["actor"],
		Score:     score,
		Level:     result["level"],
		UpdatedAt: time.UnixMilli(updated),
	}, nil
}
