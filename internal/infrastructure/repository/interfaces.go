package repository

import (
	"context"
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
)

// IncidentRepository defines the interface for incident persistence.
// Incidents are never deleted through it.
type IncidentRepository interface {
	// Create inserts a new incident. An existing id is ErrDuplicateKey.
	Create(ctx context.Context, inc *incident.Incident) error

	// Get retrieves an incident by id or returns ErrNotFound
	Get(ctx context.Context, id string) (*incident.Incident, error)

	// Update replaces an existing incident or returns ErrNotFound
	Update(ctx context.Context, inc *incident.Incident) error

	// AddComment appends to the incident timeline
	AddComment(ctx context.Context, incidentID string, c incident.Comment) error

	// Comments returns the timeline in append order
	Comments(ctx context.Context, incidentID string) ([]incident.Comment, error)

	// SaveResponse inserts or replaces a response record
	SaveResponse(ctx context.Context, r *incident.Response) error

	// Responses returns the responses for an incident, oldest first
	Responses(ctx context.Context, incidentID string) ([]*incident.Response, error)

	// ListActive returns OPEN and IN_PROGRESS incidents, oldest first
	ListActive(ctx context.Context) ([]*incident.Incident, error)

	// CountActive returns the number of OPEN and IN_PROGRESS incidents
	CountActive(ctx context.Context) (int64, error)

	// ClaimDedup binds key to incidentID for window. When the key is
	// already held, claimed is false and existingID names the holder.
	ClaimDedup(ctx context.Context, key, incidentID string, window time.Duration) (existingID string, claimed bool, err error)

	// ReleaseDedup drops key if incidentID still holds it
	ReleaseDedup(ctx context.Context, key, incidentID string) error

	// SaveCoordinated stores a coordinated response record
	SaveCoordinated(ctx context.Context, cr *incident.CoordinatedResponse) error
}

var (
	_ IncidentRepository = (*RedisIncidentRepository)(nil)
	_ IncidentRepository = (*PostgresIncidentRepository)(nil)
)
