package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
)

// PgxQuerier is the subset of pgxpool.Pool the repository uses. pgx.Tx
// satisfies it too.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresIncidentRepository stores incidents in the security_incidents
// tables. Searchable columns are denormalized next to the full JSON
// document.
type PostgresIncidentRepository struct {
	db     PgxQuerier
	logger *zap.Logger
	now    func() time.Time
}

func NewPostgresIncidentRepository(db PgxQuerier, logger *zap.Logger) (*PostgresIncidentRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &PostgresIncidentRepository{db: db, logger: logger, now: time.Now}, nil
}

func (r *PostgresIncidentRepository) Create(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	query := `
		INSERT INTO security_incidents (
			id, title, severity, status, priority, source,
			affected_actor, source_ip, data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = r.db.Exec(ctx, query,
		inc.ID, inc.Title, inc.Severity, inc.Status, inc.Priority, inc.Source,
		inc.AffectedActor, inc.SourceIP, data, inc.CreatedAt, inc.UpdatedAt,
	)
	return WrapRepositoryError(err, "create incident")
}

func (r *PostgresIncidentRepository) Get(ctx context.Context, id string) (*incident.Incident, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM security_incidents WHERE id = $1`, id).Scan(&data)
	if err != nil {
		return nil, WrapRepositoryError(err, "get incident")
	}
	var inc incident.Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("failed to decode incident %s: %w", id, err)
	}
	return &inc, nil
}

func (r *PostgresIncidentRepository) Update(ctx context.Context, inc *incident.Incident) error {
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("failed to marshal incident: %w", err)
	}
	query := `
		UPDATE security_incidents
		SET title = $2, severity = $3, status = $4, priority = $5,
			data = $6, updated_at = $7
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		inc.ID, inc.Title, inc.Severity, inc.Status, inc.Priority, data, inc.UpdatedAt,
	)
	if err != nil {
		return WrapRepositoryError(err, "update incident")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresIncidentRepository) AddComment(ctx context.Context, incidentID string, c incident.Comment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO security_incident_comments (id, incident_id, author, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, incidentID, c.Author, c.Body, c.CreatedAt,
	)
	return WrapRepositoryError(err, "add comment")
}

func (r *PostgresIncidentRepository) Comments(ctx context.Context, incidentID string) ([]incident.Comment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, author, body, created_at
		FROM security_incident_comments
		WHERE incident_id = $1
		ORDER BY seq`, incidentID)
	if err != nil {
		return nil, WrapRepositoryError(err, "list comments")
	}
	defer rows.Close()

	var out []incident.Comment
	for rows.Next() {
		var c incident.Comment
		if err := rows.Scan(&c.ID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresIncidentRepository) SaveResponse(ctx context.Context, resp *incident.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO security_incident_responses (id, incident_id, status, data, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		resp.ID, resp.IncidentID, resp.Status, data, resp.StartedAt,
	)
	return WrapRepositoryError(err, "save response")
}

func (r *PostgresIncidentRepository) Responses(ctx context.Context, incidentID string) ([]*incident.Response, error) {
	rows, err := r.db.Query(ctx, `
		SELECT data FROM security_incident_responses
		WHERE incident_id = $1
		ORDER BY started_at, id`, incidentID)
	if err != nil {
		return nil, WrapRepositoryError(err, "list responses")
	}
	defer rows.Close()

	var out []*incident.Response
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		var resp incident.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		out = append(out, &resp)
	}
	return out, rows.Err()
}

func (r *PostgresIncidentRepository) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	rows, err := r.db.Query(ctx, `
		SELECT data FROM security_incidents
		WHERE status IN ('OPEN', 'IN_PROGRESS')
		ORDER BY created_at`)
	if err != nil {
		return nil, WrapRepositoryError(err, "list active incidents")
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		var inc incident.Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			r.logger.Warn("skipping corrupt incident", zap.Error(err))
			continue
		}
		out = append(out, &inc)
	}
	return out, rows.Err()
}

func (r *PostgresIncidentRepository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM security_incidents
		WHERE status IN ('OPEN', 'IN_PROGRESS')`).Scan(&n)
	if err != nil {
		return 0, WrapRepositoryError(err, "count active incidents")
	}
	return n, nil
}

// ClaimDedup takes the key when it is absent or its holder has expired.
func (r *PostgresIncidentRepository) ClaimDedup(ctx context.Context, key, incidentID string, window time.Duration) (string, bool, error) {
	now := r.now().UTC()
	var holder string
	err := r.db.QueryRow(ctx, `
		INSERT INTO security_incident_dedup (dedup_key, incident_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (dedup_key) DO UPDATE
			SET incident_id = EXCLUDED.incident_id, expires_at = EXCLUDED.expires_at
			WHERE security_incident_dedup.expires_at <= $4
		RETURNING incident_id`,
		key, incidentID, now.Add(window), now,
	).Scan(&holder)
	if err == nil {
		return holder, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, WrapRepositoryError(err, "claim dedup key")
	}

	err = r.db.QueryRow(ctx,
		`SELECT incident_id FROM security_incident_dedup WHERE dedup_key = $1`, key,
	).Scan(&holder)
	if err != nil {
		return "", false, WrapRepositoryError(err, "read dedup key")
	}
	return holder, false, nil
}

func (r *PostgresIncidentRepository) ReleaseDedup(ctx context.Context, key, incidentID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM security_incident_dedup WHERE dedup_key = $1 AND incident_id = $2`,
		key, incidentID)
	return WrapRepositoryError(err, "release dedup key")
}

func (r *PostgresIncidentRepository) SaveCoordinated(ctx context.Context, cr *incident.CoordinatedResponse) error {
	data, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("failed to marshal coordinated response: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO security_coordinated_responses (id, master_incident_id, data, started_at)
		VALUES ($1, $2, $3, $4)`,
		cr.ID, cr.MasterIncidentID, data, cr.StartedAt,
	)
	return WrapRepositoryError(err, "save coordinated response")
}
