// Package events publishes incident lifecycle notifications to the message
// bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
)

const messagingSystem = "nats"

// NATSPublisher sends JSON encoded notifications to <prefix>.<subject>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewNATSPublisher connects to cfg.URL. The connection retries in the
// background, so a bus that is briefly down at startup is not fatal.
func NewNATSPublisher(cfg config.NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	logger = logger.Named("nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("adaptive-auth"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: nc, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Subject returns the full subject a notification is sent to
func (p *NATSPublisher) Subject(subject string) string {
	if p.prefix == "" {
		return subject
	}
	return p.prefix + "." + subject
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	full := p.Subject(subject)
	_, span := telemetry.StartMessagingSpan(ctx, messagingSystem, full)
	defer span.End()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("publisher is closed")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		telemetry.WithSpanError(span, err)
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := p.conn.Publish(full, data); err != nil {
		telemetry.WithSpanError(span, err)
		p.logger.Warn("notification publish failed", zap.String("subject", full), zap.Error(err))
		return fmt.Errorf("publish %s: %w", full, err)
	}
	return nil
}

// HealthCheck reports the connection state under the "nats" key
func (p *NATSPublisher) HealthCheck() map[string]string {
	status := "ok"
	if !p.conn.IsConnected() {
		status = "degraded: " + p.conn.Status().String()
	}
	return map[string]string{"nats": status}
}

// Close flushes pending messages and closes the connection
func (p *NATSPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.conn.FlushTimeout(2 * time.Second)
	p.conn.Close()
	if err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("flush NATS connection: %w", err)
	}
	return nil
}
