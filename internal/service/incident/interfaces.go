package incident

import (
	"context"
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
)

// Executor carries out one response action for an incident
type Executor interface {
	Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, action incident.ActionType, inc *incident.Incident) error

func (f ExecutorFunc) Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error {
	return f(ctx, action, inc)
}

// Publisher delivers incident notifications to a channel. subject is
// relative to the publisher's own prefix.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// EscalationPolicy decides the time driven transitions evaluated by the
// scheduler. Both predicates must return false once their effect has been
// applied.
type EscalationPolicy interface {
	ShouldEscalate(inc *incident.Incident, now time.Time) (bool, string)
	ShouldAutoResolve(inc *incident.Incident, now time.Time) (bool, string)
}

// AccountContainment locks accounts and revokes their sessions
type AccountContainment interface {
	Lock(ctx context.Context, actor, reason string, ttl time.Duration) error
	RevokeSessions(ctx context.Context, actor string, ttl time.Duration) error
}

// AddressContainment blocks source addresses
type AddressContainment interface {
	Block(ctx context.Context, ip, reason string, ttl time.Duration) error
}

// Watchlist flags actors for enhanced monitoring
type Watchlist interface {
	Watch(ctx context.Context, actor, reason string, ttl time.Duration) error
}
