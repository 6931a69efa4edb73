package incident

import (
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

// ManualRequest is a security team request to open an incident
type ManualRequest struct {
	Title         string            `json:"title" validate:"required,max=200"`
	Description   string            `json:"description" validate:"max=4000"`
	Severity      threat.Severity   `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	AffectedActor string            `json:"affected_actor,omitempty"`
	SourceIP      string            `json:"source_ip,omitempty" validate:"omitempty,ip"`
	AssignedTo    string            `json:"assigned_to,omitempty"`
	CreatedBy     string            `json:"created_by" validate:"required"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Notification is the payload published for incident lifecycle events
type Notification struct {
	IncidentID    string              `json:"incident_id"`
	Event         string              `json:"event"`
	Title         string              `json:"title"`
	Severity      threat.Severity     `json:"severity"`
	Priority      incident.Priority   `json:"priority"`
	Status        incident.Status     `json:"status"`
	Source        incident.Source     `json:"source"`
	Action        incident.ActionType `json:"action,omitempty"`
	AffectedActor string              `json:"affected_actor,omitempty"`
	SourceIP      string              `json:"source_ip,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

func newNotification(event string, inc *incident.Incident, at time.Time) Notification {
	return Notification{
		IncidentID:    inc.ID,
		Event:         event,
		Title:         inc.Title,
		Severity:      inc.Severity,
		Priority:      inc.Priority,
		Status:        inc.Status,
		Source:        inc.Source,
		AffectedActor: inc.AffectedActor,
		SourceIP:      inc.SourceIP,
		Timestamp:     at,
	}
}
