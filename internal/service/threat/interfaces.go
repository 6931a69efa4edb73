package threat

import (
	"context"
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

// BaselineStore keeps the first location seen for each actor
type BaselineStore interface {
	// Establish returns the actor's baseline. When none exists, location
	// becomes the baseline and established is true.
	Establish(ctx context.Context, actor, location string) (baseline string, established bool, err error)
}

// Locator derives a coarse location from a source address
type Locator interface {
	Locate(ip string) string
}

// IncidentHandler is the incident workflow fed by analysis results
type IncidentHandler interface {
	// Enqueue hands a result to the response queue without blocking. It
	// returns false when the queue is full.
	Enqueue(result threat.AnalysisResult) bool
	// HandleThreat runs the incident workflow synchronously
	HandleThreat(ctx context.Context, result threat.AnalysisResult) (*incident.Incident, error)
}

// CoordinatedHandler receives coordinated attacks found by the monitor
type CoordinatedHandler interface {
	HandleCoordinatedThreat(ctx context.Context, ct threat.CoordinatedThreat) (*incident.CoordinatedResponse, error)
}

// EventLog keeps a trailing record of analyzed events
type EventLog interface {
	Append(ctx context.Context, ev threat.Event) error
	Since(ctx context.Context, since time.Time) ([]threat.Event, error)
}
