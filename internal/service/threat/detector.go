package threat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/cache"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/metrics"
)

// check inspects one event and returns any indicators it raises
type check struct {
	name string
	run  func(ctx context.Context, ev threat.Event) ([]threat.Indicator, error)
}

// Detector runs the indicator checks against events. Counter based checks
// share state across events through the counter store.
type Detector struct {
	cfg       config.ThreatConfig
	location  *time.Location
	counters  cache.CounterStore
	baselines BaselineStore
	locator   Locator
	metrics   *metrics.Security
	logger    *zap.Logger
	checks    []check
}

func NewDetector(cfg config.ThreatConfig, counters cache.CounterStore, baselines BaselineStore, locator Locator, m *metrics.Security, logger *zap.Logger) (*Detector, error) {
	if counters == nil {
		return nil, errors.NewConfigurationError("threat", "counter store is required")
	}
	if baselines == nil {
		return nil, errors.NewConfigurationError("threat", "baseline store is required")
	}
	if logger == nil {
		return nil, errors.NewConfigurationError("threat", "logger is required")
	}
	if locator == nil {
		locator = NetworkLocator{}
	}

	loc := time.UTC
	if cfg.TimeZone != "" {
		l, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			return nil, errors.NewConfigurationError("threat", "invalid timezone "+cfg.TimeZone).WithCause(err)
		}
		loc = l
	}

	d := &Detector{
		cfg:       cfg,
		location:  loc,
		counters:  counters,
		baselines: baselines,
		locator:   locator,
		metrics:   m,
		logger:    logger,
	}
	d.checks = []check{
		{"brute_force", d.bruteForce},
		{"rapid_requests", d.rapidRequests},
		{"unusual_location", d.unusualLocation},
		{"privilege_escalation", d.privilegeEscalation},
		{"data_exfiltration", d.dataExfiltration},
		{"anomalous_access_time", d.anomalousAccessTime},
		{"malicious_payload", d.maliciousPayload},
	}
	return d, nil
}

// Detect runs every check independently and appends what they find to the
// result. A failing check is recorded as an error on the result and the
// remaining checks still run.
func (d *Detector) Detect(ctx context.Context, ev threat.Event, result *threat.AnalysisResult) {
	for _, c := range d.checks {
		found, err := c.run(ctx, ev)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s check failed: %v", c.name, err))
			d.logger.Warn("threat check failed",
				zap.String("check", c.name),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		for _, ind := range found {
			d.metrics.RecordIndicator(string(ind.Type), string(ind.Severity))
		}
		result.Indicators = append(result.Indicators, found...)
	}
}

func (d *Detector) bruteForce(ctx context.Context, ev threat.Event) ([]threat.Indicator, error) {
	if ev.Action != ActionLoginFailed {
		return nil, nil
	}
	count, err := d.counters.Increment(ctx, failedLoginKeyPrefix+ev.Actor, d.cfg.BruteForceWindow)
	if err != nil {
		return nil, err
	}
	if count < d.cfg.BruteForceThreshold {
		return nil, nil
	}
	return []threat.Indicator{threat.NewIndicator(
		threat.IndicatorBruteForce, threat.SeverityHigh, bruteForceConfidence,
		"Multiple failed login attempts detected: "+strconv.FormatInt(count, 10),
		ev.Timestamp, countMetadata(count, d.cfg.BruteForceThreshold, d.cfg.BruteForceWindow),
	)}, nil
}

func (d *Detector) rapidRequests(ctx context.Context, ev threat.Event) ([]threat.Indicator, error) {
	if ev.SourceIP == "" {
		return nil, nil
	}
	count, err := d.counters.Increment(ctx, requestKeyPrefix+ev.SourceIP, d.cfg.RapidRequestWindow)
	if err != nil {
		return nil, err
	}
	if count < d.cfg.RapidRequestThreshold {
		return nil, nil
	}
	return []threat.Indicator{threat.NewIndicator(
		threat.IndicatorRapidRequests, threat.SeverityMedium, rapidRequestConfidence,
		"Rapid request pattern detected from IP: "+ev.SourceIP,
		ev.Timestamp, countMetadata(count, d.cfg.RapidRequestThreshold, d.cfg.RapidRequestWindow),
	)}, nil
}

func (d *Detector) unusualLocation(ctx context.Context, ev threat.Event) ([]threat.Indicator, error) {
	if ev.Action != ActionLoginSuccess {
		return nil, nil
	}
	current := d.locator.Locate(ev.SourceIP)
	baseline, established, err := d.baselines.Establish(ctx, ev.Actor, current)
	if err != nil {
		return nil, err
	}
	if established || baseline == current {
		return nil, nil
	}
	return []threat.Indicator{threat.NewIndicator(
		threat.IndicatorUnusualLocation, threat.SeverityMedium, unusualLocationConfidence,
		fmt.Sprintf("Login from unusual location: %s (baseline: %s)", current, baseline),
		ev.Timestamp, map[string]string{"location": current, "baseline": baseline},
	)}, nil
}

func (d *Detector) privilegeEscalation(_ context.Context, ev threat.Event) ([]threat.Indicator, error) {
	for _, marker := range privilegeMarkers {
		if strings.Contains(ev.Action, marker) {
			return []threat.Indicator{threat.NewIndicator(
				threat.IndicatorPrivilegeEscalation, threat.SeverityHigh, privilegeEscalationConfidence,
				"Privilege modification detected: "+ev.Action,
				ev.Timestamp, map[string]string{"action": ev.Action},
			)}, nil
		}
	}
	return nil, nil
}

func (d *Detector) dataExfiltration(ctx context.Context, ev threat.Event) ([]threat.Indicator, error) {
	if ev.Action != ActionDataExport && ev.Action != ActionDownload {
		return nil, nil
	}
	count, err := d.counters.Increment(ctx, exportKeyPrefix+ev.Actor, d.cfg.ExfiltrationWindow)
	if err != nil {
		return nil, err
	}
	if count < d.cfg.ExfiltrationThreshold {
		return nil, nil
	}
	return []threat.Indicator{threat.NewIndicator(
		threat.IndicatorDataExfiltration, threat.SeverityCritical, exfiltrationConfidence,
		fmt.Sprintf("Excessive data export activity detected: %d exports", count),
		ev.Timestamp, countMetadata(count, d.cfg.ExfiltrationThreshold, d.cfg.ExfiltrationWindow),
	)}, nil
}

func (d *Detector) anomalousAccessTime(_ context.Context, ev threat.Event) ([]threat.Indicator, error) {
	hour := ev.Timestamp.In(d.location).Hour()
	if withinHours(hour, d.cfg.BusinessHourStart, d.cfg.BusinessHourEnd) {
		return nil, nil
	}
	return []threat.Indicator{threat.NewIndicator(
		threat.IndicatorAnomalousAccessTime, threat.SeverityLow, anomalousTimeConfidence,
		fmt.Sprintf("Access outside normal business hours: %d:00", hour),
		ev.Timestamp, map[string]string{"hour": strconv.Itoa(hour), "timezone": d.location.String()},
	)}, nil
}

// withinHours reports whether hour falls in the inclusive range start..end.
// A start after end is a window that crosses midnight.
func withinHours(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

func (d *Detector) maliciousPayload(_ context.Context, ev threat.Event) ([]threat.Indicator, error) {
	if ev.Details == "" {
		return nil, nil
	}
	details := strings.ToLower(ev.Details)

	var found []threat.Indicator
	if p, ok := matchAny(details, sqlInjectionPatterns); ok {
		found = append(found, threat.NewIndicator(
			threat.IndicatorSQLInjection, threat.SeverityHigh, sqlInjectionConfidence,
			"SQL injection pattern detected in event details",
			ev.Timestamp, map[string]string{"pattern": p},
		))
	}
	if p, ok := matchAny(details, xssPatterns); ok {
		found = append(found, threat.NewIndicator(
			threat.IndicatorXSS, threat.SeverityHigh, xssConfidence,
			"XSS payload detected in event details",
			ev.Timestamp, map[string]string{"pattern": p},
		))
	}
	return found, nil
}

func matchAny(s string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return p, true
		}
	}
	return "", false
}

func countMetadata(count, threshold int64, window time.Duration) map[string]string {
	return map[string]string{
		"count":     strconv.FormatInt(count, 10),
		"threshold": strconv.FormatInt(threshold, 10),
		"window":    window.String(),
	}
}
