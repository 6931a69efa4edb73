package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/trust"
	incidentsvc "github.com/davidleathers/adaptive-auth-backend/internal/service/incident"
	trustsvc "github.com/davidleathers/adaptive-auth-backend/internal/service/trust"
)

const maxBodyBytes = 1 << 20

// EventSubmitter queues security events for threat analysis
type EventSubmitter interface {
	Submit(ev threat.Event) bool
}

// IncidentManager is the incident workflow the API exposes
type IncidentManager interface {
	CreateManual(ctx context.Context, req incidentsvc.ManualRequest) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	UpdateStatus(ctx context.Context, id string, status incident.Status, actor, comment string) (*incident.Incident, error)
	Report(ctx context.Context, id string) (*incident.Report, error)
}

// Handler serves the security API
type Handler struct {
	trust     SessionTrust
	events    EventSubmitter
	incidents IncidentManager
	validate  *validator.Validate
	logger    *zap.Logger
}

func NewHandler(trust SessionTrust, events EventSubmitter, incidents IncidentManager, logger *zap.Logger) (*Handler, error) {
	switch {
	case trust == nil:
		return nil, apperrors.NewConfigurationError("rest", "trust validator is required")
	case events == nil:
		return nil, apperrors.NewConfigurationError("rest", "event submitter is required")
	case incidents == nil:
		return nil, apperrors.NewConfigurationError("rest", "incident manager is required")
	case logger == nil:
		return nil, apperrors.NewConfigurationError("rest", "logger is required")
	}
	return &Handler{
		trust:     trust,
		events:    events,
		incidents: incidents,
		validate:  validator.New(),
		logger:    logger,
	}, nil
}

// ValidateRequest is the optional body of POST /api/v1/auth/validate. The
// actor, session and roles are taken from the bearer token.
type ValidateRequest struct {
	UserAgent string `json:"user_agent" validate:"max=512"`
}

type ValidateResponse struct {
	Validation trust.ValidationResult `json:"validation"`
	Policy     trust.SessionPolicy    `json:"policy"`
	MFA        trust.MFARequirement   `json:"mfa"`
}

// handleValidate scores the caller's login or session. The status follows
// the decision: 200 ALLOW, 401 for a challenge, 403 DENY.
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := h.decodeOptional(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperrors.NewUnauthorizedError("authentication required"))
		return
	}

	ua := req.UserAgent
	if ua == "" {
		ua = r.UserAgent()
	}
	admin := h.trust.IsAdministrative(id.Roles)
	result := h.trust.Validate(r.Context(), trust.Request{
		Actor:          id.Actor,
		SessionID:      id.SessionID,
		SourceIP:       clientIP(r),
		UserAgent:      ua,
		Administrative: admin,
	})

	writeJSON(w, decisionStatus(result.Action), ValidateResponse{
		Validation: result,
		Policy:     h.trust.Policy(result),
		MFA:        trustsvc.RequiredMFA(result, admin),
	})
}

func decisionStatus(action trust.Action) int {
	switch action {
	case trust.ActionAllow:
		return http.StatusOK
	case trust.ActionRequireMFA, trust.ActionRequireReauth:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// handleReevaluate re-checks the caller's live session. 401 means the
// session must re-authenticate or has been invalidated.
func (h *Handler) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperrors.NewUnauthorizedError("authentication required"))
		return
	}
	if id.SessionID == "" {
		writeError(w, r, h.logger, apperrors.NewValidationError("SESSION_REQUIRED", "token carries no session"))
		return
	}

	out := h.trust.Reevaluate(r.Context(), trust.Request{
		Actor:          id.Actor,
		SessionID:      id.SessionID,
		SourceIP:       clientIP(r),
		UserAgent:      r.UserAgent(),
		Administrative: h.trust.IsAdministrative(id.Roles),
	})

	status := http.StatusOK
	switch {
	case out.Validation.Action == trust.ActionDeny:
		status = http.StatusForbidden
	case out.Invalidate, out.ReauthRequired:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, out)
}

type DeviceTrusted struct {
	Device string `json:"device"`
	Status string `json:"status"`
}

// handleTrustDevice enrolls the device the request comes from. Only tokens
// issued after a verified second factor may enroll.
func (h *Handler) handleTrustDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperrors.NewUnauthorizedError("authentication required"))
		return
	}
	if !id.MFAVerified {
		writeError(w, r, h.logger, apperrors.NewForbiddenError("MFA_NOT_VERIFIED",
			"Device enrollment requires a verified second factor"))
		return
	}

	device, err := h.trust.TrustDevice(r.Context(), id.Actor, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, DeviceTrusted{Device: device, Status: "trusted"})
}

// EventRequest is the body of POST /api/v1/events. Actor may name another
// account only when the caller holds an administrative role.
type EventRequest struct {
	Actor   string `json:"actor"`
	Action  string `json:"action" validate:"required,max=64"`
	Details string `json:"details" validate:"max=2048"`
}

type EventAccepted struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// handleSubmitEvent queues an event for analysis about the authenticated
// caller.
func (h *Handler) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, h.logger, apperrors.NewUnauthorizedError("authentication required"))
		return
	}
	actor := id.Actor
	if req.Actor != "" && req.Actor != id.Actor {
		if !h.trust.IsAdministrative(id.Roles) {
			h.logger.Warn("event for another actor rejected",
				zap.String("caller", id.Actor),
				zap.String("actor", req.Actor))
			writeError(w, r, h.logger, apperrors.NewForbiddenError("EVENT_ACTOR_FORBIDDEN",
				"Events may only be reported for the authenticated account"))
			return
		}
		actor = req.Actor
	}

	ev := threat.Event{
		ID:       uuid.NewString(),
		Actor:    actor,
		Action:   req.Action,
		SourceIP: clientIP(r),
		Details:  req.Details,
	}
	if !h.events.Submit(ev) {
		writeError(w, r, h.logger, &apperrors.AppError{
			Type:       apperrors.ErrorTypeExternal,
			Code:       "ANALYSIS_QUEUE_FULL",
			Message:    "Event could not be queued, retry later",
			Retryable:  true,
			StatusCode: http.StatusServiceUnavailable,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, EventAccepted{EventID: ev.ID, Status: "queued"})
}

// CreateIncidentRequest is the body of POST /api/v1/incidents
type CreateIncidentRequest struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Severity      threat.Severity   `json:"severity"`
	AffectedActor string            `json:"affected_actor,omitempty"`
	SourceIP      string            `json:"source_ip,omitempty"`
	AssignedTo    string            `json:"assigned_to,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, _ := IdentityFromContext(r.Context())

	inc, err := h.incidents.CreateManual(r.Context(), incidentsvc.ManualRequest{
		Title:         req.Title,
		Description:   req.Description,
		Severity:      req.Severity,
		AffectedActor: req.AffectedActor,
		SourceIP:      req.SourceIP,
		AssignedTo:    req.AssignedTo,
		CreatedBy:     id.Actor,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/incidents/"+inc.ID)
	writeJSON(w, http.StatusCreated, inc)
}

func (h *Handler) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.incidents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// UpdateStatusRequest is the body of PATCH /api/v1/incidents/{id}/status
type UpdateStatusRequest struct {
	Status  incident.Status `json:"status" validate:"required"`
	Comment string          `json:"comment" validate:"max=4000"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateStatusRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	id, _ := IdentityFromContext(r.Context())

	inc, err := h.incidents.UpdateStatus(r.Context(), r.PathValue("id"), req.Status, id.Actor, req.Comment)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (h *Handler) handleIncidentReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.incidents.Report(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads a bounded JSON body into v and validates it
func (h *Handler) decode(r *http.Request, v interface{}) error {
	return h.decodeBody(r, v, false)
}

// decodeOptional is decode for endpoints whose body may be omitted
func (h *Handler) decodeOptional(r *http.Request, v interface{}) error {
	return h.decodeBody(r, v, true)
}

func (h *Handler) decodeBody(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return apperrors.NewValidationError("INVALID_REQUEST", "request body is required")
		}
		return apperrors.NewValidationError("INVALID_REQUEST", "malformed JSON body").WithCause(err)
	}
	if err := h.validate.Struct(v); err != nil {
		return apperrors.NewValidationError("INVALID_REQUEST", err.Error())
	}
	return nil
}
