package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/database"
	"github.com/davidleathers/adaptive-auth-backend/internal/testutil"
	"github.com/davidleathers/adaptive-auth-backend/internal/testutil/containers"
)

var baseTime = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func newTestIncident(n int, sev threat.Severity) *incident.Incident {
	at := baseTime.Add(time.Duration(n) * time.Minute)
	return &incident.Incident{
		ID:             fmt.Sprintf("INC-%d-TEST%04d", at.UnixMilli(), n),
		Title:          "Automated Threat Detection: LOGIN_FAILED",
		Description:    "brute force",
		Severity:       sev,
		Status:         incident.StatusOpen,
		Priority:       incident.PriorityFor(sev),
		AffectedActor:  "alice",
		SourceIP:       "203.0.113.7",
		Source:         incident.SourceAutomated,
		Metadata:       map[string]string{"event_id": "ev-1"},
		CreatedAt:      at,
		CreatedBy:      incident.SystemActor,
		UpdatedAt:      at,
		UpdatedBy:      incident.SystemActor,
		LastActivityAt: at,
	}
}

// runIncidentRepositoryContract exercises behavior both backends share
func runIncidentRepositoryContract(t *testing.T, repo IncidentRepository) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		inc := newTestIncident(1, threat.SeverityHigh)
		require.NoError(t, repo.Create(ctx, inc))

		got, err := repo.Get(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, inc.ID, got.ID)
		assert.Equal(t, inc.Title, got.Title)
		assert.Equal(t, threat.SeverityHigh, got.Severity)
		assert.Equal(t, incident.PriorityP1, got.Priority)
		assert.Equal(t, "ev-1", got.Metadata["event_id"])
		assert.True(t, inc.CreatedAt.Equal(got.CreatedAt))

		assert.ErrorIs(t, repo.Create(ctx, inc), ErrDuplicateKey)
	})

	t.Run("unknown incident", func(t *testing.T) {
		_, err := repo.Get(ctx, "INC-0-MISSING")
		assert.ErrorIs(t, err, ErrNotFound)

		err = repo.Update(ctx, newTestIncident(99, threat.SeverityLow))
		assert.ErrorIs(t, err, ErrNotFound)

		err = repo.AddComment(ctx, "INC-0-MISSING", incident.NewComment("bob", "hello", baseTime))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update moves incident out of the active set", func(t *testing.T) {
		inc := newTestIncident(2, threat.SeverityMedium)
		require.NoError(t, repo.Create(ctx, inc))

		active, err := repo.ListActive(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids(active), inc.ID)

		inc.Status = incident.StatusClosed
		inc.Touch("bob", baseTime.Add(time.Hour))
		require.NoError(t, repo.Update(ctx, inc))

		active, err = repo.ListActive(ctx)
		require.NoError(t, err)
		assert.NotContains(t, ids(active), inc.ID)

		got, err := repo.Get(ctx, inc.ID)
		require.NoError(t, err)
		assert.Equal(t, incident.StatusClosed, got.Status)
		assert.Equal(t, "bob", got.UpdatedBy)
	})

	t.Run("comments keep append order", func(t *testing.T) {
		inc := newTestIncident(3, threat.SeverityLow)
		require.NoError(t, repo.Create(ctx, inc))

		for i := 0; i < 5; i++ {
			c := incident.NewComment("bob", fmt.Sprintf("note %d", i), baseTime.Add(time.Duration(i)*time.Second))
			require.NoError(t, repo.AddComment(ctx, inc.ID, c))
		}

		comments, err := repo.Comments(ctx, inc.ID)
		require.NoError(t, err)
		require.Len(t, comments, 5)
		for i, c := range comments {
			assert.Equal(t, fmt.Sprintf("note %d", i), c.Body)
		}
	})

	t.Run("responses are upserted", func(t *testing.T) {
		inc := newTestIncident(4, threat.SeverityCritical)
		require.NoError(t, repo.Create(ctx, inc))

		resp := incident.NewResponse(inc, incident.PlanFor(inc.Severity), baseTime)
		require.NoError(t, repo.SaveResponse(ctx, resp))

		for _, a := range resp.Actions {
			resp.Record(incident.ActionOutcome{Action: a, Success: true, ExecutedAt: baseTime})
		}
		resp.Complete(baseTime.Add(time.Second))
		require.NoError(t, repo.SaveResponse(ctx, resp))

		got, err := repo.Responses(ctx, inc.ID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, incident.ResponseCompleted, got[0].Status)
		assert.Len(t, got[0].Outcomes, 4)
		assert.True(t, got[0].EscalationRequired)
	})

	t.Run("dedup claim", func(t *testing.T) {
		existing, claimed, err := repo.ClaimDedup(ctx, "alice:BRUTE_FORCE_ATTACK:1", "INC-A", time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, "INC-A", existing)

		existing, claimed, err = repo.ClaimDedup(ctx, "alice:BRUTE_FORCE_ATTACK:1", "INC-B", time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, "INC-A", existing)
	})

	t.Run("dedup release by holder only", func(t *testing.T) {
		const key = "bob:CREDENTIAL_STUFFING:1"
		_, claimed, err := repo.ClaimDedup(ctx, key, "INC-A", time.Minute)
		require.NoError(t, err)
		require.True(t, claimed)

		require.NoError(t, repo.ReleaseDedup(ctx, key, "INC-B"))
		holder, claimed, err := repo.ClaimDedup(ctx, key, "INC-C", time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)
		assert.Equal(t, "INC-A", holder)

		require.NoError(t, repo.ReleaseDedup(ctx, key, "INC-A"))
		holder, claimed, err = repo.ClaimDedup(ctx, key, "INC-C", time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, "INC-C", holder)
	})

	t.Run("coordinated response", func(t *testing.T) {
		inc := newTestIncident(5, threat.SeverityCritical)
		require.NoError(t, repo.Create(ctx, inc))
		cr := &incident.CoordinatedResponse{
			ID:               "coord-1",
			MasterIncidentID: inc.ID,
			ThreatCount:      6,
			Actors:           []string{"a", "b"},
			Status:           incident.ResponseCompleted,
			StartedAt:        baseTime,
			CompletedAt:      baseTime,
		}
		require.NoError(t, repo.SaveCoordinated(ctx, cr))
	})

	t.Run("count active", func(t *testing.T) {
		active, err := repo.ListActive(ctx)
		require.NoError(t, err)
		n, err := repo.CountActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(len(active)), n)

		for i := 1; i < len(active); i++ {
			assert.False(t, active[i].CreatedAt.Before(active[i-1].CreatedAt))
		}
	})
}

func ids(incs []*incident.Incident) []string {
	out := make([]string, len(incs))
	for i, inc := range incs {
		out[i] = inc.ID
	}
	return out
}

func newMiniredisRepository(t *testing.T) (*RedisIncidentRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo, err := NewRedisIncidentRepository(client, time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)
	return repo, mr
}

func TestRedisIncidentRepository(t *testing.T) {
	repo, _ := newMiniredisRepository(t)
	runIncidentRepositoryContract(t, repo)
}

func TestRedisIncidentRepository_Retention(t *testing.T) {
	repo, mr := newMiniredisRepository(t)
	ctx := context.Background()

	inc := newTestIncident(1, threat.SeverityHigh)
	require.NoError(t, repo.Create(ctx, inc))
	require.NoError(t, repo.AddComment(ctx, inc.ID, incident.NewComment("bob", "x", baseTime)))

	assert.Equal(t, time.Hour, mr.TTL(incidentKey(inc.ID)))
	assert.Equal(t, time.Hour, mr.TTL(incidentKey(inc.ID)+commentsSuffix))

	mr.FastForward(2 * time.Hour)

	_, err := repo.Get(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// the expired id is pruned from the active index on the next listing
	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	n, err := repo.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisIncidentRepository_DedupExpires(t *testing.T) {
	repo, mr := newMiniredisRepository(t)
	ctx := context.Background()

	_, claimed, err := repo.ClaimDedup(ctx, "k", "INC-A", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	mr.FastForward(61 * time.Second)

	holder, claimed, err := repo.ClaimDedup(ctx, "k", "INC-B", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, "INC-B", holder)
}

func TestRedisIncidentRepository_RequiresClient(t *testing.T) {
	_, err := NewRedisIncidentRepository(nil, time.Hour, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestPostgresIncidentRepository(t *testing.T) {
	pg := containers.StartPostgres(t)
	ctx := testutil.TestContext(t)
	logger := zaptest.NewLogger(t)

	m, err := database.NewMigrator("file://../../../migrations", pg.URL, logger)
	require.NoError(t, err)
	require.NoError(t, m.Up(0))
	require.NoError(t, m.Close())

	pool, err := database.NewPool(ctx, config.DatabaseConfig{URL: pg.URL}, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo, err := NewPostgresIncidentRepository(pool, logger)
	require.NoError(t, err)
	runIncidentRepositoryContract(t, repo)

	t.Run("expired dedup key is reclaimed", func(t *testing.T) {
		now := baseTime
		repo.now = func() time.Time { return now }

		_, claimed, err := repo.ClaimDedup(ctx, "expiring", "INC-A", time.Minute)
		require.NoError(t, err)
		require.True(t, claimed)

		now = now.Add(2 * time.Minute)
		holder, claimed, err := repo.ClaimDedup(ctx, "expiring", "INC-B", time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
		assert.Equal(t, "INC-B", holder)
	})
}
