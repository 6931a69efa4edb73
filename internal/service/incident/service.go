// Package incident runs the security incident workflow: creation from threat
// analysis or manual requests, response execution, status transitions and
// escalation.
package incident

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/repository"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
)

// Service is the incident state machine. Every change to an incident goes
// through it; changes to one incident are serialized so its timeline stays
// in request order.
type Service struct {
	cfg       config.IncidentConfig
	repo      repository.IncidentRepository
	executor  Executor
	publisher Publisher
	policy    EscalationPolicy
	audit     audit.Recorder
	metrics   *metrics.Security
	logger    *zap.Logger
	validate  *validator.Validate
	locks     *keyedMutex
	queue     chan threat.AnalysisResult
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithPublisher sends lifecycle notifications through p
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithPolicy replaces the default time based escalation policy
func WithPolicy(p EscalationPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides the clock used for timestamps and policy evaluation
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg config.IncidentConfig, repo repository.IncidentRepository, executor Executor, rec audit.Recorder, m *metrics.Security, logger *zap.Logger, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.NewConfigurationError("incident", "repository is required")
	}
	if executor == nil {
		return nil, errors.NewConfigurationError("incident", "executor is required")
	}
	if logger == nil {
		return nil, errors.NewConfigurationError("incident", "logger is required")
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	queueSize := cfg.ResponseQueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	s := &Service{
		cfg:      cfg,
		repo:     repo,
		executor: executor,
		policy:   NewTimePolicy(cfg),
		audit:    rec,
		metrics:  m,
		logger:   logger,
		validate: validator.New(),
		locks:    newKeyedMutex(),
		queue:    make(chan threat.AnalysisResult, queueSize),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HandleThreat opens an incident for an analysis result and runs its
// response plan. Results that repeat an open detection within the dedup
// window return the existing incident. UNKNOWN results and any failure in
// the workflow produce a FAILSAFE incident instead, so a threat is never
// dropped silently.
func (s *Service) HandleThreat(ctx context.Context, result threat.AnalysisResult) (*incident.Incident, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeIncident, "incident", "handle_threat",
		attribute.String("threat.event_id", result.EventID),
		attribute.String("threat.level", string(result.Level)),
	)
	defer span.End()

	log := telemetry.WithTrace(ctx, s.logger).With(
		zap.String("event_id", result.EventID),
		zap.String("event_type", result.EventType),
		zap.String("actor", result.Actor),
		zap.String("level", string(result.Level)),
	)
	log.Info("processing threat detection event")

	if result.Level == threat.LevelUnknown {
		cause := fmt.Errorf("threat analysis failed: %s", strings.Join(result.Errors, "; "))
		return s.failsafe(ctx, result, cause, log)
	}

	inc, err := s.respond(ctx, result, log)
	if err != nil {
		telemetry.WithSpanError(span, err)
		log.Error("error handling threat detection event", zap.Error(err))
		return s.failsafe(ctx, result, err, log)
	}
	return inc, nil
}

func (s *Service) respond(ctx context.Context, result threat.AnalysisResult, log *zap.Logger) (inc *incident.Incident, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	sev, ok := result.Level.Severity()
	if !ok {
		return nil, fmt.Errorf("no incident severity for threat level %q", result.Level)
	}

	now := s.now().UTC()
	id := incident.NewID(now)
	key := DedupKey(result, s.cfg.DedupWindow)

	holder, claimed, err := s.repo.ClaimDedup(ctx, key, id, s.cfg.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("dedup claim: %w", err)
	}
	if !claimed {
		return s.duplicate(ctx, holder, result, sev, log)
	}

	plan := incident.PlanFor(sev)
	analysis := result
	inc = &incident.Incident{
		ID:    id,
		Title: automatedTitle + result.EventType,
		Description: fmt.Sprintf("Threat detected with score: %.2f and %d indicators",
			result.Score, len(result.Indicators)),
		Severity:           sev,
		Status:             incident.StatusOpen,
		Priority:           incident.PriorityFor(sev),
		AffectedActor:      result.Actor,
		SourceIP:           result.SourceIP,
		Source:             incident.SourceAutomated,
		Analysis:           &analysis,
		Metadata:           map[string]string{"event_id": result.EventID, "detection_source": detectionSource},
		Tags:               result.IndicatorTypes(),
		DedupKey:           key,
		CreatedAt:          now,
		CreatedBy:          incident.SystemActor,
		UpdatedAt:          now,
		UpdatedBy:          incident.SystemActor,
		LastActivityAt:     now,
		EscalationRequired: plan.EscalationRequired,
	}
	if err := s.repo.Create(ctx, inc); err != nil {
		s.releaseDedup(ctx, key, id, log)
		return nil, fmt.Errorf("store incident: %w", err)
	}
	s.metrics.RecordIncident(string(sev), string(incident.SourceAutomated))
	s.record(ctx, audit.EventIncidentCreated, incident.SystemActor, inc,
		"Automated security incident created: "+inc.ID)

	resp := s.execute(ctx, inc, plan)
	s.notify(ctx, SubjectCreated, inc)

	log.Info("security incident response completed",
		zap.String("incident_id", inc.ID),
		zap.String("severity", string(sev)),
		zap.String("response_status", string(resp.Status)))
	return inc, nil
}

// duplicate records a repeated detection on the incident already holding the
// dedup key. A detection more severe than the holder raises the holder to
// its severity and runs the plan for that severity.
func (s *Service) duplicate(ctx context.Context, holderID string, result threat.AnalysisResult, sev threat.Severity, log *zap.Logger) (*incident.Incident, error) {
	s.metrics.RecordDeduplicated()

	existing, previous, err := s.fold(ctx, holderID, result, sev)
	if err != nil {
		return nil, err
	}
	if previous == "" {
		log.Info("duplicate detection folded into existing incident", zap.String("incident_id", holderID))
		return existing, nil
	}

	log.Warn("duplicate detection raised incident severity",
		zap.String("incident_id", holderID),
		zap.String("from", string(previous)),
		zap.String("to", string(sev)))
	s.metrics.RecordEscalation(string(sev))
	s.record(ctx, audit.EventIncidentEscalated, incident.SystemActor, existing,
		fmt.Sprintf("Incident %s severity raised from %s to %s by event %s", holderID, previous, sev, result.EventID))

	s.execute(ctx, existing, incident.PlanFor(sev))
	s.notify(ctx, SubjectEscalated, existing)
	return existing, nil
}

// fold applies a duplicate detection to its holder under the incident lock.
// previous is the holder's former severity when it was raised, empty
// otherwise.
func (s *Service) fold(ctx context.Context, holderID string, result threat.AnalysisResult, sev threat.Severity) (*incident.Incident, threat.Severity, error) {
	unlock := s.locks.Lock(holderID)
	defer unlock()

	existing, err := s.repo.Get(ctx, holderID)
	if err != nil {
		return nil, "", fmt.Errorf("load deduplicated incident %s: %w", holderID, err)
	}
	if sev.Rank() <= existing.Severity.Rank() {
		s.comment(ctx, holderID, incident.SystemActor, fmt.Sprintf(
			"Duplicate detection suppressed for event %s (score %.2f)", result.EventID, result.Score))
		return existing, "", nil
	}

	previous := existing.Severity
	analysis := result
	existing.Severity = sev
	existing.Priority = incident.PriorityFor(sev)
	existing.EscalationRequired = existing.EscalationRequired || incident.PlanFor(sev).EscalationRequired
	existing.Analysis = &analysis
	existing.Tags = mergeTags(existing.Tags, result.IndicatorTypes())
	if existing.Status == incident.StatusResolved {
		existing.Status = incident.StatusInProgress
		existing.ResolvedAt = nil
	}
	existing.Touch(incident.SystemActor, s.now().UTC())
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, "", fmt.Errorf("raise incident %s severity: %w", holderID, err)
	}
	s.comment(ctx, holderID, incident.SystemActor, fmt.Sprintf(
		"Severity raised from %s to %s by event %s (score %.2f)", previous, sev, result.EventID, result.Score))
	return existing, previous, nil
}

func mergeTags(tags, more []string) []string {
	for _, t := range more {
		if !slices.Contains(tags, t) {
			tags = append(tags, t)
		}
	}
	return tags
}

// releaseDedup frees a claim whose incident was never stored so later
// detections in the window are not pointed at a missing incident.
func (s *Service) releaseDedup(ctx context.Context, key, id string, log *zap.Logger) {
	if err := s.repo.ReleaseDedup(context.WithoutCancel(ctx), key, id); err != nil {
		log.Warn("dedup claim not released", zap.String("dedup_key", key), zap.Error(err))
	}
}

// failsafe stores a HIGH incident describing a result the workflow could not
// handle.
func (s *Service) failsafe(ctx context.Context, result threat.AnalysisResult, cause error, log *zap.Logger) (*incident.Incident, error) {
	log.Warn("creating failsafe incident due to response error", zap.Error(cause))

	now := s.now().UTC()
	id := incident.NewID(now)
	key := failsafeDedupKey(result, s.cfg.DedupWindow)

	holder, claimed, err := s.repo.ClaimDedup(ctx, key, id, s.cfg.DedupWindow)
	if err != nil {
		log.Warn("failsafe dedup unavailable, creating incident anyway", zap.Error(err))
	} else if !claimed {
		s.metrics.RecordDeduplicated()
		if existing, err := s.repo.Get(ctx, holder); err == nil {
			s.comment(ctx, holder, incident.SystemActor, "Repeated response error: "+cause.Error())
			return existing, nil
		}
	}

	analysis := result
	inc := &incident.Incident{
		ID:             id,
		Title:          failsafeTitle + result.EventType,
		Description:    "Error in automated response: " + cause.Error(),
		Severity:       threat.SeverityHigh,
		Status:         incident.StatusOpen,
		Priority:       incident.PriorityFor(threat.SeverityHigh),
		AffectedActor:  result.Actor,
		SourceIP:       result.SourceIP,
		Source:         incident.SourceFailsafe,
		Analysis:       &analysis,
		Metadata:       map[string]string{"event_id": result.EventID, "error": cause.Error()},
		DedupKey:       key,
		CreatedAt:      now,
		CreatedBy:      incident.SystemActor,
		UpdatedAt:      now,
		UpdatedBy:      incident.SystemActor,
		LastActivityAt: now,
	}
	if err := s.repo.Create(ctx, inc); err != nil {
		if claimed {
			s.releaseDedup(ctx, key, id, log)
		}
		log.Error("failsafe incident could not be stored",
			zap.String("incident_id", id),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return nil, errors.NewInternalError("failsafe incident could not be stored").WithCause(err)
	}
	s.metrics.RecordIncident(string(inc.Severity), string(incident.SourceFailsafe))
	s.record(ctx, audit.EventIncidentCreated, incident.SystemActor, inc,
		"Failsafe security incident created: "+inc.ID)
	s.notify(ctx, SubjectCreated, inc)
	return inc, nil
}

// CreateManual opens an incident on behalf of the security team and runs the
// response plan for its severity.
func (s *Service) CreateManual(ctx context.Context, req ManualRequest) (*incident.Incident, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeIncident, "incident", "create_manual")
	defer span.End()

	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("INVALID_INCIDENT", err.Error())
	}

	s.logger.Info("creating manual security incident",
		zap.String("title", req.Title),
		zap.String("created_by", req.CreatedBy))

	now := s.now().UTC()
	plan := incident.PlanFor(req.Severity)
	inc := &incident.Incident{
		ID:                 incident.NewID(now),
		Title:              req.Title,
		Description:        req.Description,
		Severity:           req.Severity,
		Status:             incident.StatusOpen,
		Priority:           incident.PriorityFor(req.Severity),
		AffectedActor:      req.AffectedActor,
		SourceIP:           req.SourceIP,
		Source:             incident.SourceManual,
		AssignedTo:         req.AssignedTo,
		Metadata:           req.Metadata,
		Tags:               req.Tags,
		CreatedAt:          now,
		CreatedBy:          req.CreatedBy,
		UpdatedAt:          now,
		UpdatedBy:          req.CreatedBy,
		LastActivityAt:     now,
		EscalationRequired: plan.EscalationRequired,
	}
	if err := s.repo.Create(ctx, inc); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, errors.NewInternalError("failed to store incident").WithCause(err)
	}
	s.metrics.RecordIncident(string(inc.Severity), string(incident.SourceManual))
	s.record(ctx, audit.EventIncidentCreated, req.CreatedBy, inc,
		"Manual security incident created: "+inc.ID)

	s.execute(ctx, inc, plan)
	s.notify(ctx, SubjectCreated, inc)
	return inc, nil
}

// UpdateStatus moves an incident to status on behalf of actor. Unknown ids
// are a NOT_FOUND error and disallowed transitions a CONFLICT error.
func (s *Service) UpdateStatus(ctx context.Context, id string, status incident.Status, actor, comment string) (*incident.Incident, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeIncident, "incident", "update_status",
		attribute.String("incident.id", id),
		attribute.String("incident.status", string(status)),
	)
	defer span.End()

	if !status.Valid() {
		return nil, errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("unknown incident status %q", status))
	}
	if strings.TrimSpace(actor) == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR", "updated_by is required")
	}

	s.logger.Info("updating incident status",
		zap.String("incident_id", id),
		zap.String("status", string(status)),
		zap.String("updated_by", actor))

	unlock := s.locks.Lock(id)
	defer unlock()

	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inc.Status.CanTransitionTo(status) {
		return nil, errors.NewConflictError("INVALID_TRANSITION",
			fmt.Sprintf("incident %s cannot move from %s to %s", id, inc.Status, status))
	}

	body := "Status changed to " + string(status)
	if comment != "" {
		body += ": " + comment
	}
	if err := s.transition(ctx, inc, status, actor, body); err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}

	s.record(ctx, audit.EventIncidentStatusUpdated, actor, inc,
		fmt.Sprintf("Incident %s status updated to %s", id, status))
	subject := SubjectStatus
	if status == incident.StatusResolved {
		subject = SubjectResolved
	}
	s.notify(ctx, subject, inc)
	return inc, nil
}

// transition applies a status change and appends its timeline comment. The
// caller holds the incident lock.
func (s *Service) transition(ctx context.Context, inc *incident.Incident, status incident.Status, actor, body string) error {
	now := s.now().UTC()
	inc.Status = status
	inc.Touch(actor, now)
	if status == incident.StatusResolved {
		inc.ResolvedAt = &now
	}
	if err := s.repo.Update(ctx, inc); err != nil {
		if repository.IsNotFound(err) {
			return errors.NewNotFoundError("incident", inc.ID)
		}
		return errors.NewInternalError("failed to update incident").WithCause(err)
	}
	s.metrics.RecordStatusChange(string(status))
	s.comment(ctx, inc.ID, actor, body)
	return nil
}

// Get returns an incident or a NOT_FOUND error
func (s *Service) Get(ctx context.Context, id string) (*incident.Incident, error) {
	return s.load(ctx, id)
}

func (s *Service) load(ctx context.Context, id string) (*incident.Incident, error) {
	inc, err := s.repo.Get(ctx, id)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, errors.NewNotFoundError("incident", id)
		}
		return nil, errors.NewInternalError("failed to load incident").WithCause(err)
	}
	return inc, nil
}

// Report gathers an incident with its timeline and responses
func (s *Service) Report(ctx context.Context, id string) (*incident.Report, error) {
	inc, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := s.repo.Comments(ctx, id)
	if err != nil {
		return nil, errors.NewInternalError("failed to load incident timeline").WithCause(err)
	}
	responses, err := s.repo.Responses(ctx, id)
	if err != nil {
		return nil, errors.NewInternalError("failed to load incident responses").WithCause(err)
	}

	r := &incident.Report{
		ID:              fmt.Sprintf("RPT-%s-%d", id, s.now().UnixMilli()),
		IncidentID:      id,
		GeneratedAt:     s.now().UTC(),
		Incident:        inc,
		Timeline:        comments,
		Responses:       responses,
		Recommendations: recommend(inc, responses),
	}
	if inc.ResolvedAt != nil {
		ttr := inc.ResolvedAt.Sub(inc.CreatedAt)
		r.TimeToResolve = &ttr
	}
	return r, nil
}

func recommend(inc *incident.Incident, responses []*incident.Response) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, tag := range inc.Tags {
		if r, ok := recommendations[tag]; ok {
			add(r)
		}
	}
	for _, resp := range responses {
		for _, a := range resp.Actions {
			if o, ok := resp.Outcomes[a]; ok && !o.Success {
				add("Retry failed response action: " + string(a))
			}
		}
	}
	if inc.Source == incident.SourceFailsafe {
		add("Investigate the automated response failure recorded on this incident")
	}
	return out
}

// Enqueue hands a result to the response queue without blocking
func (s *Service) Enqueue(result threat.AnalysisResult) bool {
	select {
	case s.queue <- result:
		return true
	default:
		return false
	}
}

// QueueDepth reports how many results are waiting for a response
func (s *Service) QueueDepth() int64 {
	return int64(len(s.queue))
}

// Serve drains the response queue until ctx is cancelled
func (s *Service) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result := <-s.queue:
			if _, err := s.HandleThreat(ctx, result); err != nil {
				s.logger.Error("queued threat response failed",
					zap.String("event_id", result.EventID),
					zap.Error(err))
			}
		}
	}
}

func (s *Service) String() string {
	return "incident-responder"
}

// CountActive reports open and in-progress incidents for the active incident gauge.
// Errors read as zero.
func (s *Service) CountActive(ctx context.Context) int64 {
	n, err := s.repo.CountActive(ctx)
	if err != nil {
		s.logger.Debug("active incident count unavailable", zap.Error(err))
		return 0
	}
	return n
}

func (s *Service) comment(ctx context.Context, id, author, body string) {
	c := incident.NewComment(author, body, s.now().UTC())
	if err := s.repo.AddComment(ctx, id, c); err != nil {
		s.logger.Warn("failed to add incident comment",
			zap.String("incident_id", id),
			zap.String("comment", body),
			zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, eventType, actor string, inc *incident.Incident, message string) {
	e := audit.NewEvent(eventType, actor, audit.OutcomeSuccess, message)
	e.Resource = inc.ID
	e.SourceIP = inc.SourceIP
	e.Attributes = map[string]string{
		"severity": string(inc.Severity),
		"status":   string(inc.Status),
		"source":   string(inc.Source),
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Debug("incident audit failed", zap.String("incident_id", inc.ID), zap.Error(err))
	}
}

func (s *Service) notify(ctx context.Context, subject string, inc *incident.Incident) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.Publish(ctx, subject, newNotification(subject, inc, s.now().UTC()))
	s.metrics.RecordNotification(subject, err == nil)
	if err != nil {
		s.logger.Warn("incident notification failed",
			zap.String("incident_id", inc.ID),
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// DedupKey identifies repeated detections: the actor, or the source address
// when there is no actor, the top indicator type and a fixed time bucket of
// width window.
func DedupKey(result threat.AnalysisResult, window time.Duration) string {
	indicator := noIndicator
	if top, ok := result.TopIndicator(); ok {
		indicator = string(top.Type)
	}
	return dedupKey(result, indicator, window)
}

func failsafeDedupKey(result threat.AnalysisResult, window time.Duration) string {
	return dedupKey(result, failsafeIndicator, window)
}

func dedupKey(result threat.AnalysisResult, indicator string, window time.Duration) string {
	subject := result.Actor
	if subject == "" {
		subject = result.SourceIP
	}
	return fmt.Sprintf("%s:%s:%d", subject, indicator, bucket(result.Timestamp, window))
}

func bucket(t time.Time, window time.Duration) int64 {
	if window <= 0 {
		return t.UnixNano()
	}
	return t.UnixNano() / int64(window)
}
