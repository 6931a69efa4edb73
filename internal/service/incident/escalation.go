package incident

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
)

// TimePolicy escalates incidents that stay active too long for their
// severity and resolves quiet LOW and MEDIUM incidents.
type TimePolicy struct {
	Critical    time.Duration
	High        time.Duration
	AutoResolve time.Duration
}

func NewTimePolicy(cfg config.IncidentConfig) TimePolicy {
	return TimePolicy{
		Critical:    cfg.EscalateCritical,
		High:        cfg.EscalateHigh,
		AutoResolve: cfg.AutoResolveAfter,
	}
}

func (p TimePolicy) ShouldEscalate(inc *incident.Incident, now time.Time) (bool, string) {
	if inc.Escalated || !inc.Status.Active() {
		return false, ""
	}
	var limit time.Duration
	switch {
	case inc.EscalationRequired || inc.Severity == threat.SeverityCritical:
		limit = p.Critical
	case inc.Severity == threat.SeverityHigh:
		limit = p.High
	default:
		return false, ""
	}
	if limit <= 0 {
		return false, ""
	}
	age := now.Sub(inc.CreatedAt)
	if age < limit {
		return false, ""
	}
	return true, fmt.Sprintf("%s incident still %s after %s", inc.Severity, inc.Status, age.Round(time.Second))
}

func (p TimePolicy) ShouldAutoResolve(inc *incident.Incident, now time.Time) (bool, string) {
	if inc.Escalated || !inc.Status.Active() || p.AutoResolve <= 0 {
		return false, ""
	}
	if inc.Severity != threat.SeverityLow && inc.Severity != threat.SeverityMedium {
		return false, ""
	}
	idle := now.Sub(inc.LastActivityAt)
	if idle < p.AutoResolve {
		return false, ""
	}
	return true, fmt.Sprintf("no activity for %s", idle.Round(time.Second))
}

// ProcessEscalation applies the escalation policy to one incident. Calling
// it again after its effect has been applied changes nothing.
func (s *Service) ProcessEscalation(ctx context.Context, id string) error {
	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeIncident, "incident", "process_escalation")
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	inc, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	if ok, reason := s.policy.ShouldEscalate(inc, now); ok {
		inc.Escalated = true
		inc.EscalatedAt = &now
		inc.Touch(incident.SystemActor, now)
		if err := s.repo.Update(ctx, inc); err != nil {
			telemetry.WithSpanError(span, err)
			return fmt.Errorf("escalate incident %s: %w", id, err)
		}
		s.comment(ctx, id, incident.SystemActor, "Incident escalated: "+reason)
		s.metrics.RecordEscalation(string(inc.Severity))
		s.record(ctx, audit.EventIncidentEscalated, incident.SystemActor, inc,
			fmt.Sprintf("Incident %s escalated: %s", id, reason))
		s.notify(ctx, SubjectEscalated, inc)
		s.logger.Warn("incident escalated",
			zap.String("incident_id", id),
			zap.String("severity", string(inc.Severity)),
			zap.String("reason", reason))
		return nil
	}

	if ok, reason := s.policy.ShouldAutoResolve(inc, now); ok {
		if !inc.Status.CanTransitionTo(incident.StatusResolved) {
			return nil
		}
		if err := s.transition(ctx, inc, incident.StatusResolved, incident.SystemActor,
			"Status changed to RESOLVED: auto-resolved after "+reason); err != nil {
			return err
		}
		s.metrics.RecordAutoResolution(string(inc.Severity))
		s.record(ctx, audit.EventIncidentAutoResolved, incident.SystemActor, inc,
			fmt.Sprintf("Incident %s auto-resolved: %s", id, reason))
		s.notify(ctx, SubjectResolved, inc)
		s.logger.Info("incident auto-resolved", zap.String("incident_id", id), zap.String("reason", reason))
	}
	return nil
}

// EvaluateActive runs ProcessEscalation for every active incident and
// returns how many were evaluated.
func (s *Service) EvaluateActive(ctx context.Context) (int, error) {
	active, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active incidents: %w", err)
	}
	for _, inc := range active {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := s.ProcessEscalation(ctx, inc.ID); err != nil {
			s.logger.Error("escalation check failed", zap.String("incident_id", inc.ID), zap.Error(err))
		}
	}
	return len(active), nil
}

// Scheduler evaluates active incidents on a fixed cadence
type Scheduler struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger
}

func NewScheduler(svc *Service, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{svc: svc, interval: interval, logger: logger}
}

func (sc *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := sc.svc.EvaluateActive(ctx)
			if err != nil {
				sc.logger.Warn("escalation sweep failed", zap.Error(err))
				continue
			}
			sc.logger.Debug("escalation sweep completed", zap.Int("incidents", n))
		}
	}
}

func (sc *Scheduler) String() string {
	return "incident-escalation"
}
