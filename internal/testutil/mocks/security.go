package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
)

// AuditRecorder captures audit events for assertions
type AuditRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func NewAuditRecorder() *AuditRecorder {
	return &AuditRecorder{}
}

func (r *AuditRecorder) Record(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *AuditRecorder) Events() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

// ByType returns recorded events of one type
func (r *AuditRecorder) ByType(eventType string) []audit.Event {
	var out []audit.Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Executor is a testify mock for a response action executor
type Executor struct {
	mock.Mock
}

func (m *Executor) Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error {
	args := m.Called(ctx, action, inc)
	return args.Error(0)
}

// Publisher is a testify mock for an incident event publisher
type Publisher struct {
	mock.Mock
}

func (m *Publisher) Publish(ctx context.Context, subject string, payload any) error {
	args := m.Called(ctx, subject, payload)
	return args.Error(0)
}
