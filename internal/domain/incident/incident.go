// Package incident holds security incidents and their response records.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions lists the statuses reachable from each status. CLOSED and
// CANCELLED are terminal.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusResolved, StatusClosed, StatusCancelled},
	StatusInProgress: {StatusResolved, StatusClosed, StatusCancelled},
	StatusResolved:   {StatusClosed, StatusInProgress},
	StatusClosed:     {},
	StatusCancelled:  {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Active reports whether the incident still needs attention
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

var priorities = map[threat.Severity]Priority{
	threat.SeverityCritical: PriorityP0,
	threat.SeverityHigh:     PriorityP1,
	threat.SeverityMedium:   PriorityP2,
	threat.SeverityLow:      PriorityP3,
}

// PriorityFor derives priority from severity. Unrecognized severities get the
// lowest priority.
func PriorityFor(sev threat.Severity) Priority {
	if p, ok := priorities[sev]; ok {
		return p
	}
	return PriorityP3
}

// Source records how an incident was detected
type Source string

const (
	SourceAutomated Source = "AUTOMATED"
	SourceManual    Source = "MANUAL"
	SourceFailsafe  Source = "FAILSAFE"
)

// SystemActor authors changes made by the engine itself
const SystemActor = "SYSTEM"

type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

func NewComment(author, body string, at time.Time) Comment {
	return Comment{ID: uuid.NewString(), Author: author, Body: body, CreatedAt: at}
}

// Incident is a tracked security event. It is changed only through the
// incident service and never deleted.
type Incident struct {
	ID             string                 `json:"id"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	Severity       threat.Severity        `json:"severity"`
	Status         Status                 `json:"status"`
	Priority       Priority               `json:"priority"`
	AffectedActor  string                 `json:"affected_actor,omitempty"`
	SourceIP       string                 `json:"source_ip,omitempty"`
	Source         Source                 `json:"source"`
	AssignedTo     string                 `json:"assigned_to,omitempty"`
	Analysis       *threat.AnalysisResult `json:"analysis,omitempty"`
	Metadata       map[string]string      `json:"metadata,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	DedupKey       string                 `json:"dedup_key,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CreatedBy      string                 `json:"created_by"`
	UpdatedAt      time.Time              `json:"updated_at"`
	UpdatedBy      string                 `json:"updated_by"`
	LastActivityAt time.Time              `json:"last_activity_at"`

	EscalationRequired bool       `json:"escalation_required"`
	Escalated          bool       `json:"escalated"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
}

// NewID returns an incident id of the form INC-<unix millis>-<8 hex>.
func NewID(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("INC-%d-%s", now.UnixMilli(), suffix)
}

// Touch records a change by actor at now
func (i *Incident) Touch(actor string, now time.Time) {
	i.UpdatedAt = now
	i.UpdatedBy = actor
	i.LastActivityAt = now
}

// ActionType names a containment or mitigation step
type ActionType string

const (
	ActionAccountLockout     ActionType = "IMMEDIATE_ACCOUNT_LOCKOUT"
	ActionIPBlocking         ActionType = "IP_ADDRESS_BLOCKING"
	ActionEmergencyNotify    ActionType = "EMERGENCY_TEAM_NOTIFICATION"
	ActionForensics          ActionType = "FORENSIC_INVESTIGATION"
	ActionAccountMonitoring  ActionType = "ACCOUNT_MONITORING"
	ActionSessionTermination ActionType = "SESSION_TERMINATION"
	ActionSecurityTeamNotify ActionType = "SECURITY_TEAM_NOTIFICATION"
	ActionEnhancedLogging    ActionType = "ENHANCED_LOGGING"
	ActionAlertNotification  ActionType = "ALERT_NOTIFICATION"
	ActionActivityMonitoring ActionType = "ACTIVITY_MONITORING"
	ActionLogAnalysis        ActionType = "LOG_ANALYSIS"
	ActionLogEntry           ActionType = "LOG_ENTRY"
	ActionMetricsUpdate      ActionType = "METRICS_UPDATE"
)

// Plan is the ordered response selected for a severity
type Plan struct {
	Actions            []ActionType
	EscalationRequired bool
}

var plans = map[threat.Severity]Plan{
	threat.SeverityCritical: {
		Actions:            []ActionType{ActionAccountLockout, ActionIPBlocking, ActionEmergencyNotify, ActionForensics},
		EscalationRequired: true,
	},
	threat.SeverityHigh: {
		Actions: []ActionType{ActionAccountMonitoring, ActionSessionTermination, ActionSecurityTeamNotify, ActionEnhancedLogging},
	},
	threat.SeverityMedium: {
		Actions: []ActionType{ActionAlertNotification, ActionActivityMonitoring, ActionLogAnalysis},
	},
	threat.SeverityLow: {
		Actions: []ActionType{ActionLogEntry, ActionMetricsUpdate},
	},
}

// PlanFor returns the response plan for sev. The returned slice is a copy.
// Unrecognized severities get the LOW plan.
func PlanFor(sev threat.Severity) Plan {
	p, ok := plans[sev]
	if !ok {
		p = plans[threat.SeverityLow]
	}
	return Plan{
		Actions:            append([]ActionType(nil), p.Actions...),
		EscalationRequired: p.EscalationRequired,
	}
}

// ResponseStatus summarises how a response execution went
type ResponseStatus string

const (
	ResponsePending         ResponseStatus = "PENDING"
	ResponseCompleted       ResponseStatus = "COMPLETED"
	ResponsePartiallyFailed ResponseStatus = "PARTIALLY_FAILED"
	ResponseFailed          ResponseStatus = "FAILED"
)

// ActionOutcome is the recorded result of one action
type ActionOutcome struct {
	Action     ActionType `json:"action"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
}

// Response is created once per incident creation or coordinated response;
// outcomes are appended as actions run.
type Response struct {
	ID                 string                       `json:"id"`
	IncidentID         string                       `json:"incident_id"`
	Severity           threat.Severity              `json:"severity"`
	Actions            []ActionType                 `json:"actions"`
	EscalationRequired bool                         `json:"escalation_required"`
	Outcomes           map[ActionType]ActionOutcome `json:"outcomes"`
	Status             ResponseStatus               `json:"status"`
	StartedAt          time.Time                    `json:"started_at"`
	CompletedAt        *time.Time                   `json:"completed_at,omitempty"`
}

// NewResponse builds a pending response for an incident from its plan
func NewResponse(inc *Incident, plan Plan, now time.Time) *Response {
	return &Response{
		ID:                 uuid.NewString(),
		IncidentID:         inc.ID,
		Severity:           inc.Severity,
		Actions:            plan.Actions,
		EscalationRequired: plan.EscalationRequired,
		Outcomes:           make(map[ActionType]ActionOutcome, len(plan.Actions)),
		Status:             ResponsePending,
		StartedAt:          now,
	}
}

// Record stores an action outcome
func (r *Response) Record(outcome ActionOutcome) {
	r.Outcomes[outcome.Action] = outcome
}

// Complete derives the final status from the recorded outcomes
func (r *Response) Complete(now time.Time) {
	failed := 0
	for _, o := range r.Outcomes {
		if !o.Success {
			failed++
		}
	}
	switch {
	case failed == 0:
		r.Status = ResponseCompleted
	case failed == len(r.Actions):
		r.Status = ResponseFailed
	default:
		r.Status = ResponsePartiallyFailed
	}
	r.CompletedAt = &now
}

// CoordinatedResponse links several related threats to one master incident
type CoordinatedResponse struct {
	ID               string         `json:"id"`
	MasterIncidentID string         `json:"master_incident_id"`
	ThreatCount      int            `json:"threat_count"`
	Actors           []string       `json:"actors"`
	SourceIP         string         `json:"source_ip,omitempty"`
	Status           ResponseStatus `json:"status"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// Report gathers an incident with its history
type Report struct {
	ID              string         `json:"id"`
	IncidentID      string         `json:"incident_id"`
	GeneratedAt     time.Time      `json:"generated_at"`
	Incident        *Incident      `json:"incident"`
	Timeline        []Comment      `json:"timeline"`
	Responses       []*Response    `json:"responses"`
	TimeToResolve   *time.Duration `json:"time_to_resolve,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}
