package rest

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/ratelimit"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first one listed runs first
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// RateLimiter checks a request against the attempt budgets
type RateLimiter interface {
	Check(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
}

// Blocklist reports addresses contained by incident response
type Blocklist interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// responseWriter captures the status code for logging and metrics
type responseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *responseWriter) WriteHeader(status int) {
	if !rw.written {
		rw.status = status
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.status = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

func wrapWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func clientIP(r *http.Request) string {
	return ratelimit.ResolveClientIdentity(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
}

func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					telemetry.WithTrace(r.Context(), logger).Error("panic serving request",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))
					writeError(w, r, logger, apperrors.NewInternalError("internal server error").
						WithCause(fmt.Errorf("panic: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDMiddleware propagates X-Request-ID or assigns a new one
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.StartHTTPSpan(r.Context(), r.Method, r.URL.Path)
		defer span.End()

		rw := wrapWriter(w)
		next.ServeHTTP(rw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", rw.status))
	})
}

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrapWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			}
			log := telemetry.WithTrace(r.Context(), logger)
			switch {
			case rw.status >= http.StatusInternalServerError:
				log.Error("http request", fields...)
			case rw.status >= http.StatusBadRequest:
				log.Warn("http request", fields...)
			default:
				log.Info("http request", fields...)
			}
		})
	}
}

// BlocklistMiddleware rejects addresses blocked by incident response. A
// failed lookup lets the request through.
func BlocklistMiddleware(blocklist Blocklist, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			blocked, err := blocklist.IsBlocked(r.Context(), ip)
			if err != nil {
				telemetry.WithTrace(r.Context(), logger).Warn("blocklist lookup failed",
					zap.String("ip", ip), zap.Error(err))
			}
			if blocked {
				writeError(w, r, logger, apperrors.NewForbiddenError("IP_BLOCKED", "Access from this address is blocked"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware enforces the rule table. Limited requests carry
// X-RateLimit-* headers; rejections are 429 with Retry-After.
func RateLimitMiddleware(limiter RateLimiter, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Check(r.Context(), ratelimit.Request{
				Method:       r.Method,
				Path:         r.URL.Path,
				ForwardedFor: r.Header.Get("X-Forwarded-For"),
				RealIP:       r.Header.Get("X-Real-IP"),
				RemoteAddr:   r.RemoteAddr,
			})
			if err != nil {
				telemetry.WithTrace(r.Context(), logger).Warn("rate limit check failed, allowing request",
					zap.String("path", r.URL.Path), zap.Error(err))
			}
			if d.Limited {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Rule.MaxAttempts))
				h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
				reset := d.ResetAt
				if reset.IsZero() {
					reset = time.Now().Add(d.Rule.Window)
				}
				h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}
			if !d.Allowed {
				writeError(w, r, logger, d.Err())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
