package threat

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

// Monitor periodically scans the trailing event window for coordinated
// attacks: failed logins from one source address across several actors.
type Monitor struct {
	events    EventLog
	handler   CoordinatedHandler
	interval  time.Duration
	lookback  time.Duration
	minActors int
	logger    *zap.Logger
	now       func() time.Time
}

func NewMonitor(events EventLog, handler CoordinatedHandler, interval, lookback time.Duration, minActors int, logger *zap.Logger) (*Monitor, error) {
	if events == nil || handler == nil {
		return nil, errors.NewConfigurationError("threat", "monitor requires an event log and a handler")
	}
	if interval <= 0 || lookback <= 0 {
		return nil, errors.NewConfigurationError("threat", "monitor interval and lookback must be positive")
	}
	if minActors < 2 {
		minActors = 2
	}
	return &Monitor{
		events:    events,
		handler:   handler,
		interval:  interval,
		lookback:  lookback,
		minActors: minActors,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Scan reads the trailing window once and reports each coordinated attack
// to the handler.
func (m *Monitor) Scan(ctx context.Context) ([]threat.CoordinatedThreat, error) {
	now := m.now()
	since := now.Add(-m.lookback)
	events, err := m.events.Since(ctx, since)
	if err != nil {
		return nil, err
	}

	found := DetectCoordinated(events, m.minActors, since, now)
	for _, ct := range found {
		m.logger.Warn("coordinated attack detected",
			zap.String("source_ip", ct.SourceIP),
			zap.Int("actors", len(ct.Actors)),
			zap.Int("attempts", ct.Attempts))
		if _, err := m.handler.HandleCoordinatedThreat(ctx, ct); err != nil {
			m.logger.Error("coordinated threat response failed",
				zap.String("source_ip", ct.SourceIP),
				zap.Error(err))
		}
	}
	return found, nil
}

// DetectCoordinated groups failed logins by source address and returns the
// addresses that reached minActors distinct actors, ordered by address.
func DetectCoordinated(events []threat.Event, minActors int, windowStart, now time.Time) []threat.CoordinatedThreat {
	type group struct {
		actors   map[string]struct{}
		attempts int
	}
	groups := make(map[string]*group)
	for _, ev := range events {
		if ev.Action != ActionLoginFailed || ev.SourceIP == "" {
			continue
		}
		g, ok := groups[ev.SourceIP]
		if !ok {
			g = &group{actors: make(map[string]struct{})}
			groups[ev.SourceIP] = g
		}
		g.actors[ev.Actor] = struct{}{}
		g.attempts++
	}

	var out []threat.CoordinatedThreat
	for ip, g := range groups {
		if len(g.actors) < minActors {
			continue
		}
		actors := make([]string, 0, len(g.actors))
		for a := range g.actors {
			actors = append(actors, a)
		}
		sort.Strings(actors)
		out = append(out, threat.CoordinatedThreat{
			SourceIP:    ip,
			Actors:      actors,
			Attempts:    g.attempts,
			WindowStart: windowStart,
			DetectedAt:  now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceIP < out[j].SourceIP })
	return out
}

// Serve scans on every tick until ctx is cancelled. Scan errors are logged
// and the next tick retries.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				m.logger.Error("threat monitoring scan failed", zap.Error(err))
			}
		}
	}
}

func (m *Monitor) String() string {
	return "threat-monitor"
}
