package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/trust"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	trustsvc "github.com/davidleathers/adaptive-auth-backend/internal/service/trust"
)

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret   []byte
	Issuer      string
	TokenExpiry time.Duration
}

// Claims are the JWT claims the gateway understands. MFA is set on tokens
// issued after a second factor was verified.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string   `json:"session_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	MFA       bool     `json:"mfa,omitempty"`
}

// SessionGuard exposes account containment state set by incident response
type SessionGuard interface {
	IsLocked(ctx context.Context, actor string) (bool, error)
	SessionsRevokedSince(ctx context.Context, actor string) (time.Time, bool, error)
}

// Watchlist reports actors under enhanced monitoring
type Watchlist interface {
	IsWatched(ctx context.Context, actor string) (bool, error)
}

// TrustValidator decides whether an authenticated caller may proceed
type TrustValidator interface {
	Validate(ctx context.Context, req trust.Request) trust.ValidationResult
	IsAdministrative(roles []string) bool
	Policy(r trust.ValidationResult) trust.SessionPolicy
}

// SessionTrust adds the session operations the auth routes expose
type SessionTrust interface {
	TrustValidator
	Reevaluate(ctx context.Context, req trust.Request) trustsvc.ContinuousResult
	TrustDevice(ctx context.Context, actor, userAgent, sourceIP string) (string, error)
}

// AuthMiddleware verifies HMAC signed bearer tokens
type AuthMiddleware struct {
	config    AuthConfig
	sessions  SessionGuard
	watchlist Watchlist
	logger    *zap.Logger
}

func NewAuthMiddleware(config AuthConfig, sessions SessionGuard, watchlist Watchlist, logger *zap.Logger) (*AuthMiddleware, error) {
	if len(config.JWTSecret) == 0 {
		return nil, apperrors.NewConfigurationError("auth", "jwt secret is required")
	}
	if logger == nil {
		return nil, apperrors.NewConfigurationError("auth", "logger is required")
	}
	if config.TokenExpiry <= 0 {
		config.TokenExpiry = time.Hour
	}
	return &AuthMiddleware{
		config:    config,
		sessions:  sessions,
		watchlist: watchlist,
		logger:    logger.Named("auth"),
	}, nil
}

// GenerateToken issues a token for actor
func (a *AuthMiddleware) GenerateToken(actor, sessionID string, roles []string) (string, error) {
	return a.issue(actor, sessionID, roles, false)
}

// GenerateMFAToken issues a token for actor that records a verified second
// factor.
func (a *AuthMiddleware) GenerateMFAToken(actor, sessionID string, roles []string) (string, error) {
	return a.issue(actor, sessionID, roles, true)
}

func (a *AuthMiddleware) issue(actor, sessionID string, roles []string, mfa bool) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   actor,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.TokenExpiry)),
		},
		SessionID: sessionID,
		Roles:     roles,
		MFA:       mfa,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.config.JWTSecret)
}

// Middleware rejects requests without a valid token and stores the caller
// Identity in the request context.
func (a *AuthMiddleware) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			span := trace.SpanFromContext(ctx)

			raw, err := bearerToken(r)
			if err != nil {
				writeError(w, r, a.logger, apperrors.NewUnauthorizedError(err.Error()))
				return
			}
			claims, err := a.parse(raw)
			if err != nil {
				span.RecordError(err)
				writeError(w, r, a.logger, apperrors.NewUnauthorizedError("Invalid or expired token"))
				return
			}
			actor := claims.Subject
			span.SetAttributes(attribute.String("auth.actor", actor))

			if err := a.checkContainment(ctx, actor, claims); err != nil {
				writeError(w, r, a.logger, err)
				return
			}
			if a.watchlist != nil {
				if watched, err := a.watchlist.IsWatched(ctx, actor); err == nil && watched {
					telemetry.WithTrace(ctx, a.logger).Info("request from monitored actor",
						zap.String("actor", actor),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path))
				}
			}

			ctx = withIdentity(ctx, Identity{
				Actor:       actor,
				SessionID:   claims.SessionID,
				Roles:       claims.Roles,
				MFAVerified: claims.MFA,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *AuthMiddleware) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.config.JWTSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// checkContainment rejects locked accounts and tokens issued before a
// session revocation. Lookup failures are logged and do not block.
func (a *AuthMiddleware) checkContainment(ctx context.Context, actor string, claims *Claims) error {
	if a.sessions == nil {
		return nil
	}
	locked, err := a.sessions.IsLocked(ctx, actor)
	if err != nil {
		a.logger.Warn("account lock lookup failed", zap.String("actor", actor), zap.Error(err))
	}
	if locked {
		return &apperrors.AppError{
			Type:       apperrors.ErrorTypeForbidden,
			Code:       "ACCOUNT_LOCKED",
			Message:    "Account is temporarily locked",
			StatusCode: http.StatusForbidden,
		}
	}

	revokedAt, ok, err := a.sessions.SessionsRevokedSince(ctx, actor)
	if err != nil {
		a.logger.Warn("session revocation lookup failed", zap.String("actor", actor), zap.Error(err))
		return nil
	}
	if ok && claims.IssuedAt != nil && !claims.IssuedAt.After(revokedAt) {
		return &apperrors.AppError{
			Type:       apperrors.ErrorTypeUnauthorized,
			Code:       "SESSION_REVOKED",
			Message:    "Session has been revoked, sign in again",
			StatusCode: http.StatusUnauthorized,
		}
	}
	return nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.New("invalid authorization header")
	}
	return token, nil
}

// TrustGate runs an adaptive trust validation for the authenticated caller.
// DENY is 403; REQUIRE_MFA and REQUIRE_REAUTH are 401 with a challenge.
func TrustGate(validator TrustValidator, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, r, logger, apperrors.NewUnauthorizedError("authentication required"))
				return
			}

			admin := validator.IsAdministrative(id.Roles)
			result := validator.Validate(r.Context(), trust.Request{
				Actor:          id.Actor,
				SessionID:      id.SessionID,
				SourceIP:       clientIP(r),
				UserAgent:      r.UserAgent(),
				Administrative: admin,
			})
			if err := decisionError(result, admin); err != nil {
				if err.StatusCode == http.StatusUnauthorized {
					w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_user_authentication"`)
				}
				writeError(w, r, logger, err)
				return
			}
			if result.SessionID != "" {
				policy := validator.Policy(result)
				w.Header().Set("X-Session-Timeout", fmt.Sprintf("%d", int64(policy.Timeout/time.Second)))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decisionError maps a non-ALLOW decision to the error the caller sees
func decisionError(result trust.ValidationResult, administrative bool) *apperrors.AppError {
	switch result.Action {
	case trust.ActionAllow:
		return nil
	case trust.ActionRequireMFA:
		mfa := trustsvc.RequiredMFA(result, administrative)
		return &apperrors.AppError{
			Type:       apperrors.ErrorTypeUnauthorized,
			Code:       "MFA_REQUIRED",
			Message:    "Additional verification required",
			StatusCode: http.StatusUnauthorized,
			Details: map[string]interface{}{
				"trust_score": result.Score,
				"factors":     mfa.Factors,
				"reasons":     mfa.Reasons,
			},
		}
	case trust.ActionRequireReauth:
		return &apperrors.AppError{
			Type:       apperrors.ErrorTypeUnauthorized,
			Code:       "REAUTH_REQUIRED",
			Message:    "Re-authentication required",
			StatusCode: http.StatusUnauthorized,
			Details:    map[string]interface{}{"trust_score": result.Score},
		}
	default:
		return apperrors.NewForbiddenError("ACCESS_DENIED", "Access denied")
	}
}
