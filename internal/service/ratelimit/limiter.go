package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/cache"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
)

// Request is the part of an inbound request the limiter looks at
type Request struct {
	Method       string
	Path         string
	ForwardedFor string
	RealIP       string
	RemoteAddr   string
}

// Decision is the structured outcome of a check
type Decision struct {
	Allowed    bool
	Limited    bool // a rule applied to the request
	Client     string
	Rule       Rule
	Count      int64
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Err converts a rejection into a RATE_LIMIT_EXCEEDED error
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return errors.NewRateLimitError(
		fmt.Sprintf("Too many requests. Try again in %d seconds.", int64(d.RetryAfter/time.Second)),
		d.RetryAfter,
	)
}

// Limiter applies the rule table against a counter store
type Limiter struct {
	rules   *RuleTable
	store   cache.CounterStore
	audit   audit.Recorder
	metrics *metrics.Security
	logger  *zap.Logger
	now     func() time.Time
}

// NewLimiter creates a limiter. The audit recorder must not block; wrap a
// synchronous sink with audit.NewAsync.
func NewLimiter(rules *RuleTable, store cache.CounterStore, rec audit.Recorder, m *metrics.Security, logger *zap.Logger) (*Limiter, error) {
	if rules == nil {
		return nil, errors.NewConfigurationError("ratelimit", "rule table is required")
	}
	if store == nil {
		return nil, errors.NewConfigurationError("ratelimit", "counter store is required")
	}
	if logger == nil {
		return nil, errors.NewConfigurationError("ratelimit", "logger is required")
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Limiter{
		rules:   rules,
		store:   store,
		audit:   rec,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// CounterKey builds the counter key. The limit is part of the key so rules
// with different budgets on one route never share a counter.
func CounterKey(client, route string, maxAttempts int) string {
	return "ratelimit:" + client + ":" + route + ":" + strconv.Itoa(maxAttempts)
}

// Check counts the request against its rule. Requests no rule covers are
// allowed without touching the store. The error is non-nil only when the
// store itself failed; the returned decision then allows the request.
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	client := ResolveClientIdentity(req.ForwardedFor, req.RealIP, req.RemoteAddr)

	rule, ok := l.rules.Resolve(req.Method, req.Path)
	if !ok {
		return Decision{Allowed: true, Client: client}, nil
	}

	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeRateLimit, "ratelimit", "check",
		attribute.String("ratelimit.rule", rule.Prefix),
		attribute.Int("ratelimit.max_attempts", rule.MaxAttempts),
	)
	defer span.End()

	d := Decision{Allowed: true, Limited: true, Client: client, Rule: rule}

	count, err := l.store.Increment(ctx, CounterKey(client, req.Path, rule.MaxAttempts), rule.Window)
	if err != nil {
		telemetry.WithSpanError(span, err)
		telemetry.WithTrace(ctx, l.logger).Error("rate limit counter unavailable, allowing request",
			zap.String("client", client),
			zap.String("path", req.Path),
			zap.Error(err))
		return d, err
	}

	d.Count = count
	d.Remaining = max(int64(rule.MaxAttempts)-count, 0)

	if count > int64(rule.MaxAttempts) {
		d.Allowed = false
		d.RetryAfter = rule.Window
		d.ResetAt = l.now().Add(rule.Window)
		l.recordRejection(ctx, req, d)
	}

	span.SetAttributes(
		attribute.Int64("ratelimit.count", count),
		attribute.Bool("ratelimit.allowed", d.Allowed),
	)
	l.metrics.RecordRateLimitCheck(rule.Prefix, !d.Allowed)

	return d, nil
}

func (l *Limiter) recordRejection(ctx context.Context, req Request, d Decision) {
	telemetry.WithTrace(ctx, l.logger).Warn("rate limit exceeded",
		zap.String("client", d.Client),
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Int64("count", d.Count),
		zap.Int("max_attempts", d.Rule.MaxAttempts),
		zap.Duration("retry_after", d.RetryAfter))

	event := audit.NewEvent(audit.EventAuthRateLimited, d.Client, audit.OutcomeFailure,
		"Rate limit exceeded for "+req.Method+" "+req.Path)
	event.SourceIP = d.Client
	event.Resource = req.Path
	event.Attributes = map[string]string{
		"rule":        d.Rule.Prefix,
		"count":       strconv.FormatInt(d.Count, 10),
		"retry_after": strconv.FormatInt(int64(d.RetryAfter/time.Second), 10),
	}
	if err := l.audit.Record(context.WithoutCancel(ctx), event); err != nil {
		l.logger.Debug("rate limit audit failed", zap.Error(err))
	}
}
