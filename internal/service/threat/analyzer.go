package threat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
)

// Analyzer turns events into sealed analysis results and hands anything at
// MEDIUM or above to the incident workflow. Submit and Serve run analysis off
// the request path.
type Analyzer struct {
	detector *Detector
	handler  IncidentHandler
	events   EventLog
	queue    chan threat.Event
	workers  int
	metrics  *metrics.Security
	logger   *zap.Logger
	now      func() time.Time
}

// AnalyzerOption configures an Analyzer
type AnalyzerOption func(*Analyzer)

// WithEventLog records every analyzed event for the coordinated attack monitor
func WithEventLog(l EventLog) AnalyzerOption {
	return func(a *Analyzer) { a.events = l }
}

// WithAnalyzerClock overrides the clock used to stamp events
func WithAnalyzerClock(now func() time.Time) AnalyzerOption {
	return func(a *Analyzer) { a.now = now }
}

func NewAnalyzer(detector *Detector, handler IncidentHandler, workers, queueSize int, m *metrics.Security, logger *zap.Logger, opts ...AnalyzerOption) (*Analyzer, error) {
	if detector == nil {
		return nil, errors.NewConfigurationError("threat", "detector is required")
	}
	if handler == nil {
		return nil, errors.NewConfigurationError("threat", "incident handler is required")
	}
	if logger == nil {
		return nil, errors.NewConfigurationError("threat", "logger is required")
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	a := &Analyzer{
		detector: detector,
		handler:  handler,
		queue:    make(chan threat.Event, queueSize),
		workers:  workers,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze runs detection and scoring for one event and dispatches the result.
// It never panics; a failure seals the result as UNKNOWN.
func (a *Analyzer) Analyze(ctx context.Context, ev threat.Event) threat.AnalysisResult {
	start := time.Now()
	ev = a.normalize(ev)

	ctx, span := telemetry.StartServiceSpan(ctx, telemetry.ScopeThreat, "threat", "analyze",
		attribute.String("threat.event_id", ev.ID),
		attribute.String("threat.action", ev.Action),
	)
	defer span.End()

	result := a.evaluate(ctx, ev)

	span.SetAttributes(
		attribute.String("threat.level", string(result.Level)),
		attribute.Float64("threat.score", result.Score),
		attribute.Int("threat.indicators", len(result.Indicators)),
	)
	a.metrics.RecordAnalysis(string(result.Level), time.Since(start))

	if a.events != nil {
		if err := a.events.Append(ctx, ev); err != nil {
			a.logger.Warn("failed to record event for monitoring", zap.String("event_id", ev.ID), zap.Error(err))
		}
	}

	a.dispatch(ctx, result)
	return result
}

func (a *Analyzer) normalize(ev threat.Event) threat.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now()
	}
	return ev
}

func (a *Analyzer) evaluate(ctx context.Context, ev threat.Event) (result threat.AnalysisResult) {
	result = threat.AnalysisResult{
		EventID:   ev.ID,
		Actor:     ev.Actor,
		Timestamp: ev.Timestamp,
		SourceIP:  ev.SourceIP,
		EventType: ev.Action,
		Level:     threat.LevelNone,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Level = threat.LevelUnknown
			result.Errors = append(result.Errors, fmt.Sprintf("Threat analysis failed: %v", r))
			a.logger.Error("threat analysis panicked",
				zap.String("event_id", ev.ID),
				zap.Any("panic", r))
		}
	}()

	a.detector.Detect(ctx, ev, &result)
	Seal(&result)
	return result
}

// dispatch routes a result by level. CRITICAL and UNKNOWN go straight to the
// incident workflow; MEDIUM and HIGH go through its response queue.
func (a *Analyzer) dispatch(ctx context.Context, result threat.AnalysisResult) {
	if !result.Level.AtLeast(threat.LevelMedium) {
		return
	}

	log := telemetry.WithTrace(ctx, a.logger).With(
		zap.String("actor", result.Actor),
		zap.String("source_ip", result.SourceIP),
		zap.String("level", string(result.Level)),
		zap.Float64("score", result.Score),
		zap.Strings("indicators", result.IndicatorTypes()),
	)
	log.Warn("threat detected")

	if result.Level == threat.LevelCritical || result.Level == threat.LevelUnknown {
		log.Warn("initiating emergency response")
		a.handleNow(ctx, result, log)
		return
	}

	if !a.handler.Enqueue(result) {
		log.Warn("incident response queue full, handling inline")
		a.handleNow(ctx, result, log)
	}
}

func (a *Analyzer) handleNow(ctx context.Context, result threat.AnalysisResult, log *zap.Logger) {
	if _, err := a.handler.HandleThreat(context.WithoutCancel(ctx), result); err != nil {
		log.Error("incident workflow failed", zap.Error(err))
	}
}

// Submit queues an event for asynchronous analysis. It returns false and
// counts a drop when the queue is full.
func (a *Analyzer) Submit(ev threat.Event) bool {
	ev = a.normalize(ev)
	select {
	case a.queue <- ev:
		return true
	default:
		a.metrics.RecordEventDropped()
		a.logger.Warn("threat analysis queue full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("action", ev.Action))
		return false
	}
}

// QueueDepth reports how many events are waiting for analysis
func (a *Analyzer) QueueDepth() int64 {
	return int64(len(a.queue))
}

// Serve runs the analysis workers until ctx is cancelled
func (a *Analyzer) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-a.queue:
					a.Analyze(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (a *Analyzer) String() string {
	return "threat-analyzer"
}
