package incident

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
)

// Dispatcher routes each action to the executor registered for it
type Dispatcher struct {
	executors map[incident.ActionType]Executor
	logger    *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{executors: make(map[incident.ActionType]Executor), logger: logger}
}

// Register binds an executor to one or more actions, replacing earlier
// bindings.
func (d *Dispatcher) Register(e Executor, actions ...incident.ActionType) *Dispatcher {
	for _, a := range actions {
		d.executors[a] = e
	}
	return d
}

// Execute fails for actions without an executor so the gap shows up on the
// incident timeline.
func (d *Dispatcher) Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error {
	e, ok := d.executors[action]
	if !ok {
		d.logger.Warn("unknown response action", zap.String("action", string(action)))
		return fmt.Errorf("no executor registered for %s", action)
	}
	return e.Execute(ctx, action, inc)
}

// AccountExecutor locks accounts and terminates their sessions
type AccountExecutor struct {
	accounts AccountContainment
	lockTTL  time.Duration
}

func NewAccountExecutor(accounts AccountContainment, lockTTL time.Duration) *AccountExecutor {
	return &AccountExecutor{accounts: accounts, lockTTL: lockTTL}
}

func (e *AccountExecutor) Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error {
	if inc.AffectedActor == "" {
		return fmt.Errorf("incident %s has no affected actor", inc.ID)
	}
	reason := "incident " + inc.ID
	switch action {
	case incident.ActionAccountLockout:
		if err := e.accounts.Lock(ctx, inc.AffectedActor, reason, e.lockTTL); err != nil {
			return err
		}
		return e.accounts.RevokeSessions(ctx, inc.AffectedActor, e.lockTTL)
	case incident.ActionSessionTermination:
		return e.accounts.RevokeSessions(ctx, inc.AffectedActor, e.lockTTL)
	default:
		return fmt.Errorf("account executor cannot run %s", action)
	}
}

// AddressExecutor blocks the incident source address
type AddressExecutor struct {
	blocklist AddressContainment
	ttl       time.Duration
}

func NewAddressExecutor(blocklist AddressContainment, ttl time.Duration) *AddressExecutor {
	return &AddressExecutor{blocklist: blocklist, ttl: ttl}
}

func (e *AddressExecutor) Execute(ctx context.Context, _ incident.ActionType, inc *incident.Incident) error {
	if inc.SourceIP == "" {
		return fmt.Errorf("incident %s has no source address", inc.ID)
	}
	return e.blocklist.Block(ctx, inc.SourceIP, "incident "+inc.ID, e.ttl)
}

// MonitoringExecutor puts the affected actor on the watchlist. The gateway
// logs every request from a watched actor.
type MonitoringExecutor struct {
	watchlist Watchlist
	ttl       time.Duration
}

func NewMonitoringExecutor(watchlist Watchlist, ttl time.Duration) *MonitoringExecutor {
	return &MonitoringExecutor{watchlist: watchlist, ttl: ttl}
}

func (e *MonitoringExecutor) Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error {
	if inc.AffectedActor == "" {
		return fmt.Errorf("incident %s has no affected actor", inc.ID)
	}
	return e.watchlist.Watch(ctx, inc.AffectedActor, fmt.Sprintf("%s for incident %s", action, inc.ID), e.ttl)
}

// NotifyExecutor publishes team notifications. Emergency notifications skip
// the rate limiter; the rest fail when the limiter is exhausted.
type NotifyExecutor struct {
	publisher Publisher
	limiter   *rate.Limiter
	metrics   *metrics.Security
	now       func() time.Time
}

func NewNotifyExecutor(publisher Publisher, perSecond float64, burst int, m *metrics.Security) *NotifyExecutor {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &NotifyExecutor{
		publisher: publisher,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   m,
		now:       time.Now,
	}
}

var notifySubjects = map[incident.ActionType]string{
	incident.ActionEmergencyNotify:    SubjectEmergency,
	incident.ActionSecurityTeamNotify: SubjectSecurityTeam,
	incident.ActionAlertNotification:  SubjectAlert,
}

func (e *NotifyExecutor) Execute(ctx context.Context, action incident.ActionType, inc *incident.Incident) error {
	subject, ok := notifySubjects[action]
	if !ok {
		return fmt.Errorf("notify executor cannot run %s", action)
	}
	if action != incident.ActionEmergencyNotify && !e.limiter.Allow() {
		e.metrics.RecordNotification(subject, false)
		return fmt.Errorf("%s notification throttled", subject)
	}

	n := newNotification(subject, inc, e.now().UTC())
	n.Action = action
	err := e.publisher.Publish(ctx, subject, n)
	e.metrics.RecordNotification(subject, err == nil)
	return err
}

// LogExecutor covers actions whose effect is a structured record for the
// log pipeline: forensic requests, log analysis triggers, log entries.
type LogExecutor struct {
	logger *zap.Logger
}

func NewLogExecutor(logger *zap.Logger) *LogExecutor {
	return &LogExecutor{logger: logger.Named("incident_actions")}
}

func (e *LogExecutor) Execute(_ context.Context, action incident.ActionType, inc *incident.Incident) error {
	fields := []zap.Field{
		zap.String("action", string(action)),
		zap.String("incident_id", inc.ID),
		zap.String("severity", string(inc.Severity)),
		zap.String("affected_actor", inc.AffectedActor),
		zap.String("source_ip", inc.SourceIP),
		zap.Strings("tags", inc.Tags),
	}
	switch action {
	case incident.ActionForensics:
		e.logger.Warn("forensic investigation requested", fields...)
	case incident.ActionLogAnalysis:
		e.logger.Info("log analysis triggered", fields...)
	default:
		e.logger.Info("security incident logged", fields...)
	}
	return nil
}

// MetricsExecutor folds the incident into severity trend metrics
type MetricsExecutor struct {
	metrics *metrics.Security
}

func NewMetricsExecutor(m *metrics.Security) *MetricsExecutor {
	return &MetricsExecutor{metrics: m}
}

func (e *MetricsExecutor) Execute(_ context.Context, _ incident.ActionType, inc *incident.Incident) error {
	indicator := noIndicator
	if len(inc.Tags) > 0 {
		indicator = inc.Tags[0]
	}
	e.metrics.RecordSeverityObserved(string(inc.Severity), indicator)
	return nil
}

// Containment groups the stores the built-in executors act on
type Containment struct {
	Accounts  AccountContainment
	Addresses AddressContainment
	Watchlist Watchlist
}

// LogPublisher writes notifications to the log when no message bus is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("notifications")}
}

func (p *LogPublisher) Publish(_ context.Context, subject string, payload any) error {
	level := zap.InfoLevel
	if subject == SubjectEmergency {
		level = zap.WarnLevel
	}
	p.logger.Log(level, "incident notification",
		zap.String("subject", subject),
		zap.Any("payload", payload))
	return nil
}

// NewDefaultDispatcher registers the built-in executor for every action.
// Notifications go to the log when publisher is nil.
func NewDefaultDispatcher(c Containment, publisher Publisher, cfg config.IncidentConfig, nats config.NATSConfig, m *metrics.Security, logger *zap.Logger) *Dispatcher {
	d := NewDispatcher(logger)
	d.Register(NewAccountExecutor(c.Accounts, cfg.AccountLockTTL),
		incident.ActionAccountLockout, incident.ActionSessionTermination)
	d.Register(NewAddressExecutor(c.Addresses, cfg.IPBlockTTL), incident.ActionIPBlocking)
	d.Register(NewMonitoringExecutor(c.Watchlist, monitoringTTL),
		incident.ActionAccountMonitoring, incident.ActionActivityMonitoring, incident.ActionEnhancedLogging)
	d.Register(NewLogExecutor(logger),
		incident.ActionForensics, incident.ActionLogAnalysis, incident.ActionLogEntry)
	d.Register(NewMetricsExecutor(m), incident.ActionMetricsUpdate)
	if publisher == nil {
		publisher = NewLogPublisher(logger)
	}
	d.Register(NewNotifyExecutor(publisher, nats.NotificationsPerSecond, nats.NotificationBurst, m),
		incident.ActionEmergencyNotify, incident.ActionSecurityTeamNotify, incident.ActionAlertNotification)
	return d
}
