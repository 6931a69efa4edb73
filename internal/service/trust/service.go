// Package trust turns risk signals into adaptive authentication decisions.
package trust

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/trust"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/cache"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
)

// reauthBelow is the continuous-check score under which a session must
// authenticate again.
const reauthBelow = 0.5

// scoreDropAlert is the fall in session score worth logging
const scoreDropAlert = 0.3

// SessionTrustStore persists the latest score per session
type SessionTrustStore interface {
	Save(ctx context.Context, st cache.SessionTrust) error
	Get(ctx context.Context, sessionID string) (cache.SessionTrust, error)
}

// DeviceEnroller remembers devices an actor has verified
type DeviceEnroller interface {
	Trust(ctx context.Context, actor, userAgent string) error
}

// Option configures a Service
type Option func(*Service)

// WithDevices enables device enrollment through d
func WithDevices(d DeviceEnroller) Option {
	return func(s *Service) { s.devices = d }
}

// Service is the trust aggregator. Validate is synchronous and sits on the
// request path.
type Service struct {
	cfg      config.TrustConfig
	signals  SignalProvider
	sessions SessionTrustStore
	devices  DeviceEnroller
	audit    audit.Recorder
	metrics  *metrics.Security
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(cfg config.TrustConfig, signals SignalProvider, sessions SessionTrustStore, rec audit.Recorder, m *metrics.Security, logger *zap.Logger, opts ...Option) (*Service, error) {
	if signals == nil {
		return nil, errors.NewConfigurationError("trust", "signal provider is required")
	}
	if logger == nil {
		return nil, errors.NewConfigurationError("trust", "logger is required")
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	s := &Service{
		cfg:      cfg,
		signals:  signals,
		sessions: sessions,
		audit:    rec,
		metrics:  m,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Validate scores a request and decides what it must do next. It always
// returns a decision: any failure, including a panic in a signal provider,
// yields DENY with a zero score and the error recorded.
func (s *Service) Validate(ctx context.Context, req trust.Request) (result trust.ValidationResult) {
	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeTrust, "trust", "validate",
		attribute.String("trust.actor", req.Actor))
	defer span.End()

	result = trust.ValidationResult{
		Actor:       req.Actor,
		SessionID:   req.SessionID,
		ThreatLevel: req.ThreatLevel,
		EvaluatedAt: s.now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			result = s.failClosed(result, fmt.Errorf("panic: %v", r))
		}
		span.SetAttributes(
			attribute.String("trust.action", string(result.Action)),
			attribute.Float64("trust.score", result.Score),
		)
		s.metrics.RecordValidation(string(result.Action), result.Score, result.Failed())
		s.record(ctx, req, result)
	}()

	if err := s.validate.Struct(req); err != nil {
		return s.failClosed(result, err)
	}

	sig, err := s.signals.Signals(ctx, req)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return s.failClosed(result, err)
	}
	sig.Behavior = RaiseForThreat(sig.Behavior, req.ThreatLevel)

	result.Device = sig.Device
	result.Behavior = sig.Behavior
	result.Location = sig.Location
	result.Session = sig.Session
	result.Requirements = RequirementsFor(sig)
	result.Score = Score(sig)
	result.Action = Decide(result.Score, result.Requirements)

	s.saveSessionTrust(ctx, result)
	return result
}

func (s *Service) failClosed(result trust.ValidationResult, err error) trust.ValidationResult {
	s.logger.Error("authentication validation failed, denying",
		zap.String("actor", result.Actor),
		zap.Error(err))
	result.Action = trust.ActionDeny
	result.Score = 0
	result.Errors = append(result.Errors, "Authentication validation failed: "+err.Error())
	return result
}

func (s *Service) saveSessionTrust(ctx context.Context, r trust.ValidationResult) {
	if s.sessions == nil || r.SessionID == "" {
		return
	}
	err := s.sessions.Save(ctx, cache.SessionTrust{
		SessionID: r.SessionID,
		Actor:     r.Actor,
		Score:     r.Score,
		Level:     string(PolicyFor(r.SessionID, r.Score, s.cfg.BaseSessionTimeout).Level),
		UpdatedAt: r.EvaluatedAt,
	})
	if err != nil {
		s.logger.Warn("session trust not persisted", zap.String("session_id", r.SessionID), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, req trust.Request, r trust.ValidationResult) {
	outcome := audit.OutcomeSuccess
	if r.Failed() {
		outcome = audit.OutcomeFailure
	}
	e := audit.NewEvent(audit.EventAuthValidation, r.Actor, outcome, fmt.Sprintf(
		"Enhanced authentication validation completed - Trust Score: %s, Action: %s, Device Trust: %s",
		formatScore(r.Score), r.Action, r.Device))
	e.SourceIP = req.SourceIP
	e.Attributes = map[string]string{
		"action":      string(r.Action),
		"trust_score": formatScore(r.Score),
	}
	if r.SessionID != "" {
		e.Attributes["session_id"] = r.SessionID
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Debug("validation audit failed", zap.Error(err))
	}
}

// IsAdministrative reports whether any role is configured as administrative
func (s *Service) IsAdministrative(roles []string) bool {
	for _, r := range roles {
		if slices.Contains(s.cfg.AdminRoles, r) {
			return true
		}
	}
	return false
}

// Policy derives the session policy for a validation result
func (s *Service) Policy(r trust.ValidationResult) trust.SessionPolicy {
	return PolicyFor(r.SessionID, r.Score, s.cfg.BaseSessionTimeout)
}

// ContinuousResult is the outcome of re-evaluating a live session.
// PreviousScore is the score recorded by the session's last evaluation.
type ContinuousResult struct {
	Validation     trust.ValidationResult `json:"validation"`
	Policy         trust.SessionPolicy    `json:"policy"`
	MFA            trust.MFARequirement   `json:"mfa"`
	PreviousScore  *float64               `json:"previous_score,omitempty"`
	ReauthRequired bool                   `json:"reauth_required"`
	Invalidate     bool                   `json:"invalidate"`
}

// Reevaluate validates an in-flight session. Sessions scoring under 0.5 must
// re-authenticate. Sessions on an untrusted device, or last evaluated for a
// different actor, are invalidated.
func (s *Service) Reevaluate(ctx context.Context, req trust.Request) ContinuousResult {
	prev, seen := s.sessionTrust(ctx, req.SessionID)
	v := s.Validate(ctx, req)
	out := ContinuousResult{
		Validation:     v,
		Policy:         s.Policy(v),
		MFA:            RequiredMFA(v, req.Administrative),
		ReauthRequired: v.Score < reauthBelow || v.Action == trust.ActionRequireReauth,
		Invalidate:     v.Device == trust.DeviceUntrusted,
	}
	if seen {
		score := prev.Score
		out.PreviousScore = &score
		if prev.Actor != req.Actor {
			s.logger.Warn("session presented by a different actor",
				zap.String("session_id", req.SessionID),
				zap.String("actor", req.Actor),
				zap.String("session_actor", prev.Actor))
			out.Invalidate = true
		} else if prev.Score-v.Score >= scoreDropAlert {
			s.logger.Info("session trust dropped",
				zap.String("actor", req.Actor),
				zap.String("session_id", req.SessionID),
				zap.Float64("previous_score", prev.Score),
				zap.Float64("trust_score", v.Score))
		}
	}
	if out.ReauthRequired {
		s.logger.Warn("session trust below threshold",
			zap.String("actor", req.Actor),
			zap.String("session_id", req.SessionID),
			zap.Float64("trust_score", v.Score))
	}
	if out.Invalidate {
		s.logger.Warn("device not trusted for session",
			zap.String("actor", req.Actor),
			zap.String("session_id", req.SessionID))
	}
	return out
}

// sessionTrust loads the last recorded evaluation of a session
func (s *Service) sessionTrust(ctx context.Context, sessionID string) (cache.SessionTrust, bool) {
	if s.sessions == nil || sessionID == "" {
		return cache.SessionTrust{}, false
	}
	st, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if !cache.IsKeyNotFound(err) {
			s.logger.Warn("session trust not loaded", zap.String("session_id", sessionID), zap.Error(err))
		}
		return cache.SessionTrust{}, false
	}
	return st, true
}

// TrustDevice records userAgent as a verified device of actor and returns
// its fingerprint. Callers must have completed MFA on that device.
func (s *Service) TrustDevice(ctx context.Context, actor, userAgent, sourceIP string) (string, error) {
	if s.devices == nil {
		return "", errors.NewConfigurationError("trust", "device enrollment is not configured")
	}
	if actor == "" || userAgent == "" {
		return "", errors.NewValidationError("INVALID_DEVICE", "actor and user agent are required")
	}
	if err := s.devices.Trust(ctx, actor, userAgent); err != nil {
		return "", errors.NewInternalError("device could not be trusted").WithCause(err)
	}

	fingerprint := cache.Fingerprint(userAgent)
	s.logger.Info("device trusted", zap.String("actor", actor), zap.String("device", fingerprint))
	e := audit.NewEvent(audit.EventDeviceTrusted, actor, audit.OutcomeSuccess, "Device verified with MFA: "+fingerprint)
	e.SourceIP = sourceIP
	e.Attributes = map[string]string{"device": fingerprint}
	if err := s.audit.Record(context.WithoutCancel(ctx), e); err != nil {
		s.logger.Debug("device audit failed", zap.Error(err))
	}
	return fingerprint, nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
