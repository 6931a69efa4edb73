package incident

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
)

// coordinatedPlan runs against the master incident. Every targeted actor is
// additionally put under monitoring.
var coordinatedPlan = incident.Plan{
	Actions: []incident.ActionType{
		incident.ActionIPBlocking,
		incident.ActionEmergencyNotify,
		incident.ActionForensics,
		incident.ActionAccountMonitoring,
	},
	EscalationRequired: true,
}

// HandleCoordinatedThreat opens one CRITICAL master incident for a burst of
// failed logins across several actors from one address. The same address is
// reported at most once per dedup window; a repeat returns nil.
func (s *Service) HandleCoordinatedThreat(ctx context.Context, ct threat.CoordinatedThreat) (*incident.CoordinatedResponse, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeIncident, "incident", "handle_coordinated",
		attribute.String("threat.source_ip", ct.SourceIP),
		attribute.Int("threat.actors", len(ct.Actors)),
	)
	defer span.End()

	if ct.SourceIP == "" || len(ct.Actors) == 0 {
		return nil, errors.NewValidationError("INVALID_COORDINATED_THREAT", "source ip and actors are required")
	}

	s.logger.Info("handling coordinated threat",
		zap.String("source_ip", ct.SourceIP),
		zap.Int("actors", len(ct.Actors)),
		zap.Int("attempts", ct.Attempts))

	now := s.now().UTC()
	id := incident.NewID(now)
	holder, claimed, err := s.repo.ClaimDedup(ctx, coordinatedKey+ct.SourceIP, id, s.cfg.DedupWindow)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, errors.NewInternalError("coordinated dedup claim failed").WithCause(err)
	}
	if !claimed {
		s.metrics.RecordDeduplicated()
		s.logger.Debug("coordinated threat already reported",
			zap.String("source_ip", ct.SourceIP),
			zap.String("incident_id", holder))
		return nil, nil
	}

	ind := threat.NewIndicator(threat.IndicatorCoordinatedAttack, threat.SeverityCritical, 0.9,
		fmt.Sprintf("%d failed logins across %d accounts from one address", ct.Attempts, len(ct.Actors)),
		ct.DetectedAt, map[string]string{
			"actors":   strings.Join(ct.Actors, ","),
			"attempts": strconv.Itoa(ct.Attempts),
		})
	analysis := threat.AnalysisResult{
		EventID:    uuid.NewString(),
		Timestamp:  ct.DetectedAt,
		SourceIP:   ct.SourceIP,
		EventType:  "COORDINATED_LOGIN_FAILURE",
		Indicators: []threat.Indicator{ind},
		Level:      threat.LevelCritical,
	}

	master := &incident.Incident{
		ID:          id,
		Title:       fmt.Sprintf("%s%d accounts from %s", coordinatedTitle, len(ct.Actors), ct.SourceIP),
		Description: ind.Description,
		Severity:    threat.SeverityCritical,
		Status:      incident.StatusOpen,
		Priority:    incident.PriorityFor(threat.SeverityCritical),
		SourceIP:    ct.SourceIP,
		Source:      incident.SourceAutomated,
		Analysis:    &analysis,
		Metadata: map[string]string{
			"actors":           strings.Join(ct.Actors, ","),
			"window_start":     ct.WindowStart.UTC().Format(time.RFC3339),
			"detection_source": detectionSource,
		},
		Tags:               []string{string(threat.IndicatorCoordinatedAttack)},
		DedupKey:           coordinatedKey + ct.SourceIP,
		CreatedAt:          now,
		CreatedBy:          incident.SystemActor,
		UpdatedAt:          now,
		UpdatedBy:          incident.SystemActor,
		LastActivityAt:     now,
		EscalationRequired: coordinatedPlan.EscalationRequired,
	}
	if err := s.repo.Create(ctx, master); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, errors.NewInternalError("failed to store master incident").WithCause(err)
	}
	s.metrics.RecordIncident(string(master.Severity), string(master.Source))
	s.record(ctx, audit.EventCoordinatedThreat, incident.SystemActor, master, fmt.Sprintf(
		"Coordinated threat from %s against %d accounts: master incident %s", ct.SourceIP, len(ct.Actors), id))

	resp := s.executeCoordinated(ctx, master, ct.Actors)
	s.notify(ctx, SubjectCoordinated, master)

	cr := &incident.CoordinatedResponse{
		ID:               uuid.NewString(),
		MasterIncidentID: master.ID,
		ThreatCount:      ct.Attempts,
		Actors:           append([]string(nil), ct.Actors...),
		SourceIP:         ct.SourceIP,
		Status:           resp.Status,
		StartedAt:        resp.StartedAt,
		CompletedAt:      s.now().UTC(),
	}
	if err := s.repo.SaveCoordinated(ctx, cr); err != nil {
		s.logger.Warn("failed to save coordinated response", zap.String("incident_id", master.ID), zap.Error(err))
	}
	return cr, nil
}

// executeCoordinated runs the plan on the master incident and fans account
// monitoring out to every targeted actor.
func (s *Service) executeCoordinated(ctx context.Context, master *incident.Incident, actors []string) *incident.Response {
	perActor := make([]incident.ActionType, 0, 1)
	plan := incident.Plan{EscalationRequired: coordinatedPlan.EscalationRequired}
	for _, a := range coordinatedPlan.Actions {
		if a == incident.ActionAccountMonitoring {
			perActor = append(perActor, a)
			continue
		}
		plan.Actions = append(plan.Actions, a)
	}

	resp := s.execute(ctx, master, plan)
	for _, action := range perActor {
		var failed []string
		for _, actor := range actors {
			target := *master
			target.AffectedActor = actor
			if err := s.runAction(ctx, action, &target); err != nil {
				failed = append(failed, actor)
				s.logger.Warn("coordinated response action failed",
					zap.String("incident_id", master.ID),
					zap.String("action", string(action)),
					zap.String("actor", actor),
					zap.Error(err))
			}
		}
		outcome := incident.ActionOutcome{Action: action, Success: len(failed) == 0, ExecutedAt: s.now().UTC()}
		if len(failed) > 0 {
			outcome.Error = "failed for " + strings.Join(failed, ",")
			s.comment(ctx, master.ID, incident.SystemActor,
				fmt.Sprintf("Failed to execute response action: %s - %s", action, outcome.Error))
		} else {
			s.comment(ctx, master.ID, incident.SystemActor,
				fmt.Sprintf("Executed response action: %s for %d accounts", action, len(actors)))
		}
		resp.Actions = append(resp.Actions, action)
		resp.Record(outcome)
		s.metrics.RecordResponseAction(string(action), outcome.Success)
	}
	resp.Complete(s.now().UTC())
	s.saveResponse(ctx, resp)
	return resp
}
