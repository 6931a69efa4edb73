// Package audit records significant security decisions.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types emitted by the engine
const (
	EventAuthValidation        = "AUTHENTICATION_VALIDATION"
	EventAuthRateLimited       = "AUTH_RATE_LIMITED"
	EventDeviceTrusted         = "DEVICE_TRUSTED"
	EventIncidentCreated       = "SECURITY_INCIDENT_CREATED"
	EventIncidentStatusUpdated = "SECURITY_INCIDENT_STATUS_UPDATED"
	EventIncidentEscalated     = "SECURITY_INCIDENT_ESCALATED"
	EventIncidentAutoResolved  = "SECURITY_INCIDENT_AUTO_RESOLVED"
	EventCoordinatedThreat     = "SECURITY_COORDINATED_THREAT"
)

// Outcome of the audited operation
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// Event is one audit record
type Event struct {
	ID         string
	Type       string
	Actor      string
	Outcome    string
	Message    string
	SourceIP   string
	Resource   string
	Timestamp  time.Time
	Attributes map[string]string
}

// NewEvent stamps an event with an id and the current time
func NewEvent(eventType, actor, outcome, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Actor:     actor,
		Outcome:   outcome,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Recorder is the audit sink contract
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// ZapRecorder writes audit events as structured log records on a dedicated
// "audit" logger.
type ZapRecorder struct {
	logger *zap.Logger
}

func NewZapRecorder(logger *zap.Logger) *ZapRecorder {
	return &ZapRecorder{logger: logger.Named("audit")}
}

func (r *ZapRecorder) Record(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("audit_id", e.ID),
		zap.String("event_type", e.Type),
		zap.String("actor", e.Actor),
		zap.String("outcome", e.Outcome),
		zap.Time("event_time", e.Timestamp),
	}
	if e.SourceIP != "" {
		fields = append(fields, zap.String("source_ip", e.SourceIP))
	}
	if e.Resource != "" {
		fields = append(fields, zap.String("resource", e.Resource))
	}
	for k, v := range e.Attributes {
		fields = append(fields, zap.String("attr."+k, v))
	}
	r.logger.Info(e.Message, fields...)
	return nil
}

// Async makes recording non-blocking. Events are buffered and drained by
// Serve; when the buffer is full the event is dropped and counted.
type Async struct {
	next    Recorder
	buffer  chan Event
	logger  *zap.Logger
	dropped atomic.Int64
}

func NewAsync(next Recorder, bufferSize int, logger *zap.Logger) *Async {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Async{
		next:   next,
		buffer: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Record enqueues the event without blocking
func (a *Async) Record(_ context.Context, e Event) error {
	select {
	case a.buffer <- e:
	default:
		if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
			a.logger.Warn("audit buffer full, dropping events",
				zap.String("event_type", e.Type),
				zap.Int64("dropped_total", n))
		}
	}
	return nil
}

// Dropped returns the number of events discarded so far
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Serve drains the buffer until ctx is cancelled, then flushes what is left.
func (a *Async) Serve(ctx context.Context) error {
	for {
		select {
		case e := <-a.buffer:
			a.write(context.WithoutCancel(ctx), e)
		case <-ctx.Done():
			a.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (a *Async) flush(ctx context.Context) {
	for {
		select {
		case e := <-a.buffer:
			a.write(ctx, e)
		default:
			return
		}
	}
}

func (a *Async) write(ctx context.Context, e Event) {
	if err := a.next.Record(ctx, e); err != nil {
		a.logger.Error("audit record failed",
			zap.String("event_type", e.Type),
			zap.String("audit_id", e.ID),
			zap.Error(err))
	}
}

func (a *Async) String() string {
	return "audit-async-recorder"
}

// Nop discards events
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
