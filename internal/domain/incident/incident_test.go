package incident

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

func TestPriorityFor(t *testing.T) {
	tests := map[threat.Severity]Priority{
		threat.SeverityCritical: PriorityP0,
		threat.SeverityHigh:     PriorityP1,
		threat.SeverityMedium:   PriorityP2,
		threat.SeverityLow:      PriorityP3,
		threat.Severity("???"):  PriorityP3,
	}
	for sev, want := range tests {
		assert.Equal(t, want, PriorityFor(sev), string(sev))
	}
}

func TestPlanFor(t *testing.T) {
	t.Run("critical", func(t *testing.T) {
		p := PlanFor(threat.SeverityCritical)
		assert.True(t, p.EscalationRequired)
		assert.Equal(t, []ActionType{
			ActionAccountLockout,
			ActionIPBlocking,
			ActionEmergencyNotify,
			ActionForensics,
		}, p.Actions)
	})

	t.Run("high", func(t *testing.T) {
		p := PlanFor(threat.SeverityHigh)
		assert.False(t, p.EscalationRequired)
		assert.Equal(t, []ActionType{
			ActionAccountMonitoring,
			ActionSessionTermination,
			ActionSecurityTeamNotify,
			ActionEnhancedLogging,
		}, p.Actions)
	})

	t.Run("medium and low", func(t *testing.T) {
		assert.Equal(t, []ActionType{ActionAlertNotification, ActionActivityMonitoring, ActionLogAnalysis},
			PlanFor(threat.SeverityMedium).Actions)
		assert.Equal(t, []ActionType{ActionLogEntry, ActionMetricsUpdate},
			PlanFor(threat.SeverityLow).Actions)
	})

	t.Run("returns a copy", func(t *testing.T) {
		p := PlanFor(threat.SeverityLow)
		p.Actions[0] = ActionForensics
		assert.Equal(t, ActionLogEntry, PlanFor(threat.SeverityLow).Actions[0])
	})
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusOpen, StatusInProgress, true},
		{StatusOpen, StatusCancelled, true},
		{StatusInProgress, StatusResolved, true},
		{StatusInProgress, StatusOpen, false},
		{StatusResolved, StatusClosed, true},
		{StatusResolved, StatusInProgress, true},
		{StatusClosed, StatusOpen, false},
		{StatusCancelled, StatusInProgress, false},
		{StatusOpen, StatusOpen, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusResolved.Terminal())
	assert.False(t, Status("NOPE").Valid())
}

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1767225600123)
	id := NewID(now)
	assert.Regexp(t, regexp.MustCompile(`^INC-1767225600123-[0-9A-F]{8}$`), id)
	assert.NotEqual(t, id, NewID(now))
}

func TestResponse_Complete(t *testing.T) {
	now := time.Now()
	inc := &Incident{ID: "INC-1", Severity: threat.SeverityHigh}

	tests := []struct {
		name     string
		failures map[ActionType]bool
		want     ResponseStatus
	}{
		{name: "all succeed", failures: map[ActionType]bool{}, want: ResponseCompleted},
		{name: "one fails", failures: map[ActionType]bool{ActionSessionTermination: true}, want: ResponsePartiallyFailed},
		{name: "all fail", failures: map[ActionType]bool{
			ActionAccountMonitoring: true, ActionSessionTermination: true,
			ActionSecurityTeamNotify: true, ActionEnhancedLogging: true,
		}, want: ResponseFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResponse(inc, PlanFor(inc.Severity), now)
			for _, a := range r.Actions {
				r.Record(ActionOutcome{Action: a, Success: !tt.failures[a], ExecutedAt: now})
			}
			r.Complete(now)
			assert.Equal(t, tt.want, r.Status)
			assert.NotNil(t, r.CompletedAt)
		})
	}
}
