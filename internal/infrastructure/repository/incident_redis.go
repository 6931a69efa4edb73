package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
)

// Redis key layout for incidents
const (
	incidentPrefix    = "incident:"
	commentsSuffix    = ":comments"
	responsesSuffix   = ":responses"
	activeIncidentSet = "incidents:active"
	dedupPrefix       = "incident:dedup:"
	coordinatedPrefix = "incident:coordinated:"
)

// DefaultIncidentRetention applies when no retention is configured
const DefaultIncidentRetention = 30 * 24 * time.Hour

// RedisIncidentRepository keeps each incident as a JSON document that expires
// after the retention period. Comments are a list and responses a hash keyed
// by response id, both expiring with the incident. Active incidents are
// indexed in a set.
type RedisIncidentRepository struct {
	client    redis.Cmdable
	retention time.Duration
	logger    *zap.Logger
}

func NewRedisIncidentRepository(client redis.Cmdable, retention time.Duration, logger *zap.Logger) (*RedisIncidentRepository, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if retention <= 0 {
		retention = DefaultIncidentRetention
	}
	return &RedisIncidentRepository{client: client, retention: retention, logger: logger}, nil
}

func incidentKey(id string) string { return incidentPrefix + id }

func (r *RedisIncidentRepository) Create(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	ok, err := r.client.SetNX(ctx, incidentKey(inc.ID), data, r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	if !ok {
		return ErrDuplicateKey
	}
	return r.index(ctx, inc)
}

func (r *RedisIncidentRepository) Get(ctx context.Context, id string) (*incident.Incident, error) {
	data, err := r.client.Get(ctx, incidentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	var inc incident.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("failed to decode incident %s: %w", id, err)
	}
	return &inc, nil
}

func (r *RedisIncidentRepository) Update(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	ok, err := r.client.SetXX(ctx, incidentKey(inc.ID), data, r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return r.index(ctx, inc)
}

func (r *RedisIncidentRepository) index(ctx context.Context, inc *incident.Incident) error {
	var err error
	if inc.Status.Active() {
		err = r.client.SAdd(ctx, activeIncidentSet, inc.ID).Err()
	} else {
		err = r.client.SRem(ctx, activeIncidentSet, inc.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to index incident: %w", err)
	}
	return nil
}

func (r *RedisIncidentRepository) AddComment(ctx context.Context, incidentID string, c incident.Comment) error {
	n, err := r.client.Exists(ctx, incidentKey(incidentID)).Result()
	if err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal comment: %w", err)
	}
	key := incidentKey(incidentID) + commentsSuffix
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

func (r *RedisIncidentRepository) Comments(ctx context.Context, incidentID string) ([]incident.Comment, error) {
	raw, err := r.client.LRange(ctx, incidentKey(incidentID)+commentsSuffix, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	out := make([]incident.Comment, 0, len(raw))
	for _, s := range raw {
		var c incident.Comment
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			r.logger.Warn("skipping corrupt comment", zap.String("incident_id", incidentID), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisIncidentRepository) SaveResponse(ctx context.Context, resp *incident.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	key := incidentKey(resp.IncidentID) + responsesSuffix
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, resp.ID, data)
	pipe.Expire(ctx, key, r.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save response: %w", err)
	}
	return nil
}

func (r *RedisIncidentRepository) Responses(ctx context.Context, incidentID string) ([]*incident.Response, error) {
	raw, err := r.client.HGetAll(ctx, incidentKey(incidentID)+responsesSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	out := make([]*incident.Response, 0, len(raw))
	for id, s := range raw {
		var resp incident.Response
		if err := json.Unmarshal([]byte(s), &resp); err != nil {
			r.logger.Warn("skipping corrupt response",
				zap.String("incident_id", incidentID),
				zap.String("response_id", id),
				zap.Error(err))
			continue
		}
		out = append(out, &resp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// ListActive loads every indexed incident. Ids whose document has expired
// are pruned from the index.
func (r *RedisIncidentRepository) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	ids, err := r.client.SMembers(ctx, activeIncidentSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active incidents: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = incidentKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load active incidents: %w", err)
	}

	out := make([]*incident.Incident, 0, len(ids))
	var stale []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var inc incident.Incident
		if err := json.Unmarshal([]byte(s), &inc); err != nil {
			r.logger.Warn("skipping corrupt incident", zap.String("incident_id", ids[i]), zap.Error(err))
			continue
		}
		if !inc.Status.Active() {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, &inc)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, activeIncidentSet, stale...).Err(); err != nil {
			r.logger.Warn("failed to prune active index", zap.Error(err))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisIncidentRepository) CountActive(ctx context.Context) (int64, error) {
	n, err := r.client.SCard(ctx, activeIncidentSet).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active incidents: %w", err)
	}
	return n, nil
}

func (r *RedisIncidentRepository) ClaimDedup(ctx context.Context, key, incidentID string, window time.Duration) (string, bool, error) {
	k := dedupPrefix + key
	// The holder can expire between SETNX and GET; one retry covers it.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, k, incidentID, window).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to claim dedup key: %w", err)
		}
		if ok {
			return incidentID, true, nil
		}
		existing, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("failed to read dedup key: %w", err)
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("dedup key %s contended", key)
}

// releaseDedupScript deletes KEYS[1] only while it holds ARGV[1]
var releaseDedupScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (r *RedisIncidentRepository) ReleaseDedup(ctx context.Context, key, incidentID string) error {
	if err := releaseDedupScript.Run(ctx, r.client, []string{dedupPrefix + key}, incidentID).Err(); err != nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}

func (r *RedisIncidentRepository) SaveCoordinated(ctx context.Context, cr *incident.CoordinatedResponse) error {
	data, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("failed to marshal coordinated response: %w", err)
	}
	if err := r.client.Set(ctx, coordinatedPrefix+cr.ID, data, r.retention).Err(); err != nil {
		return fmt.Errorf("failed to save coordinated response: %w", err)
	}
	return nil
}
