package threat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

// RedisEventLog stores analyzed events in a sorted set scored by event time.
// Entries older than the retention are trimmed on append.
type RedisEventLog struct {
	client    redis.Cmdable
	retention time.Duration
}

func NewRedisEventLog(client redis.Cmdable, retention time.Duration) *RedisEventLog {
	return &RedisEventLog{client: client, retention: retention}
}

func (l *RedisEventLog) Append(ctx context.Context, ev threat.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	cutoff := ev.Timestamp.Add(-l.retention).UnixMilli()

	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, eventLogKey, redis.Z{Score: float64(ev.Timestamp.UnixMilli()), Member: data})
	pipe.ZRemRangeByScore(ctx, eventLogKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
	_, err = pipe.Exec(ctx)
	return err
}

func (l *RedisEventLog) Since(ctx context.Context, since time.Time) ([]threat.Event, error) {
	members, err := l.client.ZRangeByScore(ctx, eventLogKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	events := make([]threat.Event, 0, len(members))
	for _, m := range members {
		var ev threat.Event
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
