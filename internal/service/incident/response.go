package incident

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
)

// execute runs every action in plan against inc. A failing action is
// recorded on the timeline and the remaining actions still run; nothing is
// rolled back. An OPEN incident moves to IN_PROGRESS before the first action.
func (s *Service) execute(ctx context.Context, inc *incident.Incident, plan incident.Plan) *incident.Response {
	resp := incident.NewResponse(inc, plan, s.now().UTC())
	s.saveResponse(ctx, resp)

	s.logger.Info("executing response actions",
		zap.String("incident_id", inc.ID),
		zap.Int("actions", len(plan.Actions)))

	s.startProgress(ctx, inc)

	for _, action := range plan.Actions {
		err := s.runAction(ctx, action, inc)
		outcome := incident.ActionOutcome{Action: action, Success: err == nil, ExecutedAt: s.now().UTC()}
		if err != nil {
			outcome.Error = err.Error()
			s.logger.Error("failed to execute response action",
				zap.String("incident_id", inc.ID),
				zap.String("action", string(action)),
				zap.Error(err))
			s.comment(ctx, inc.ID, incident.SystemActor,
				fmt.Sprintf("Failed to execute response action: %s - %v", action, err))
		} else {
			s.comment(ctx, inc.ID, incident.SystemActor, "Executed response action: "+string(action))
		}
		resp.Record(outcome)
		s.metrics.RecordResponseAction(string(action), err == nil)
	}

	resp.Complete(s.now().UTC())
	s.saveResponse(ctx, resp)
	return resp
}

// runAction isolates one executor call so a panic counts as that action
// failing.
func (s *Service) runAction(ctx context.Context, action incident.ActionType, inc *incident.Incident) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, action, inc)
}

func (s *Service) startProgress(ctx context.Context, inc *incident.Incident) {
	unlock := s.locks.Lock(inc.ID)
	defer unlock()

	current, err := s.repo.Get(ctx, inc.ID)
	if err != nil {
		s.logger.Warn("incident not reloaded before response", zap.String("incident_id", inc.ID), zap.Error(err))
		return
	}
	if current.Status != incident.StatusOpen {
		*inc = *current
		return
	}
	if err := s.transition(ctx, current, incident.StatusInProgress, incident.SystemActor,
		"Status changed to IN_PROGRESS: automated response started"); err != nil {
		s.logger.Warn("incident not moved to in progress", zap.String("incident_id", inc.ID), zap.Error(err))
		return
	}
	*inc = *current
}

func (s *Service) saveResponse(ctx context.Context, resp *incident.Response) {
	if err := s.repo.SaveResponse(ctx, resp); err != nil {
		s.logger.Warn("failed to save incident response",
			zap.String("incident_id", resp.IncidentID),
			zap.String("response_id", resp.ID),
			zap.Error(err))
	}
}
