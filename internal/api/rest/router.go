package rest

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
)

// RouterConfig wires the gateway
type RouterConfig struct {
	Handler   *Handler
	Auth      *AuthMiddleware
	Limiter   RateLimiter
	Blocklist Blocklist
	Health    *HealthHandler
	Metrics   *metrics.Security
	// Gatherer serves /metrics; the default registry when nil
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the HTTP handler. Every request passes recovery, request
// id, tracing, logging, security headers, the address blocklist and the rate
// limiter before routing. API routes also require a bearer token, and
// incident routes an ALLOW trust decision.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	route := func(pattern string, h http.Handler, mw ...Middleware) {
		mux.Handle(pattern, instrument(cfg.Metrics, pattern, Chain(h, mw...)))
	}
	authed := []Middleware{cfg.Auth.Middleware()}
	trusted := []Middleware{cfg.Auth.Middleware(), TrustGate(cfg.Handler.trust, logger)}

	route("POST /api/v1/auth/validate", http.HandlerFunc(cfg.Handler.handleValidate), authed...)
	route("POST /api/v1/auth/session/reevaluate", http.HandlerFunc(cfg.Handler.handleReevaluate), authed...)
	route("POST /api/v1/auth/devices", http.HandlerFunc(cfg.Handler.handleTrustDevice), authed...)
	route("POST /api/v1/events", http.HandlerFunc(cfg.Handler.handleSubmitEvent), authed...)
	route("POST /api/v1/incidents", http.HandlerFunc(cfg.Handler.handleCreateIncident), trusted...)
	route("GET /api/v1/incidents/{id}", http.HandlerFunc(cfg.Handler.handleGetIncident), trusted...)
	route("PATCH /api/v1/incidents/{id}/status", http.HandlerFunc(cfg.Handler.handleUpdateStatus), trusted...)
	route("GET /api/v1/incidents/{id}/report", http.HandlerFunc(cfg.Handler.handleIncidentReport), trusted...)

	if cfg.Health != nil {
		mux.Handle("GET /health", cfg.Health)
	}
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		TracingMiddleware,
		LoggingMiddleware(logger),
		SecurityHeadersMiddleware,
	}
	if cfg.Blocklist != nil {
		middlewares = append(middlewares, BlocklistMiddleware(cfg.Blocklist, logger))
	}
	if cfg.Limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(cfg.Limiter, logger))
	}
	return Chain(mux, middlewares...)
}

// instrument records request metrics under the route pattern so that path
// parameters do not explode label cardinality.
func instrument(m *metrics.Security, pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapWriter(w)
		next.ServeHTTP(rw, r)
		m.RecordHTTPRequest(r.Method, pattern, rw.status, time.Since(start))
	})
}
