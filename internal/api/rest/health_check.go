package rest

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// HealthCheckFunc reports component states keyed by component name. Values
// are "ok", "degraded: ..." or "down: ..." ("error: ..." counts as down).
type HealthCheckFunc func(ctx context.Context) map[string]string

type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusDown     HealthStatus = "down"
)

type HealthResponse struct {
	Status    HealthStatus      `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthHandler aggregates component checks. Any down component makes the
// service unavailable; "degraded" components are reported but still serve.
type HealthHandler struct {
	version string
	timeout time.Duration
	checks  []HealthCheckFunc
}

func NewHealthHandler(version string, timeout time.Duration, checks ...HealthCheckFunc) *HealthHandler {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthHandler{version: version, timeout: timeout, checks: checks}
}

func (h *HealthHandler) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:    HealthStatusOK,
		Version:   h.version,
		Checks:    make(map[string]string),
		Timestamp: time.Now().UTC(),
	}
	for _, check := range h.checks {
		for name, state := range check(ctx) {
			resp.Checks[name] = state
			switch {
			case strings.HasPrefix(state, "down"), strings.HasPrefix(state, "error"):
				resp.Status = HealthStatusDown
			case strings.HasPrefix(state, "degraded") && resp.Status == HealthStatusOK:
				resp.Status = HealthStatusDegraded
			}
		}
	}
	return resp
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Check(r.Context())
	status := http.StatusOK
	if resp.Status == HealthStatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
