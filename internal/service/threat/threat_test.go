package threat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/incident"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/cache"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
)

var businessHours = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fakeHandler struct {
	mu          sync.Mutex
	reject      bool
	enqueued    []threat.AnalysisResult
	handled     []threat.AnalysisResult
	coordinated []threat.CoordinatedThreat
}

func (h *fakeHandler) Enqueue(r threat.AnalysisResult) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reject {
		return false
	}
	h.enqueued = append(h.enqueued, r)
	return true
}

func (h *fakeHandler) HandleThreat(_ context.Context, r threat.AnalysisResult) (*incident.Incident, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, r)
	return &incident.Incident{ID: "INC-test"}, nil
}

func (h *fakeHandler) HandleCoordinatedThreat(_ context.Context, ct threat.CoordinatedThreat) (*incident.CoordinatedResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coordinated = append(h.coordinated, ct)
	return &incident.CoordinatedResponse{SourceIP: ct.SourceIP}, nil
}

func (h *fakeHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.enqueued), len(h.handled)
}

type stubCounters struct {
	err   error
	panic bool
}

func (s stubCounters) Increment(context.Context, string, time.Duration) (int64, error) {
	if s.panic {
		panic("counter store exploded")
	}
	return 0, s.err
}

func newRedisDetector(t *testing.T) (*Detector, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	counters, err := cache.NewRedisCounterStore(client, zaptest.NewLogger(t))
	require.NoError(t, err)

	d, err := NewDetector(config.Defaults().Threat, counters, NewRedisBaselineStore(client, 0), NetworkLocator{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return d, mr
}

func detect(t *testing.T, d *Detector, ev threat.Event) threat.AnalysisResult {
	t.Helper()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = businessHours
	}
	var result threat.AnalysisResult
	d.Detect(context.Background(), ev, &result)
	return result
}

func types(r threat.AnalysisResult) []string {
	return r.IndicatorTypes()
}

func TestScore(t *testing.T) {
	at := businessHours
	tests := []struct {
		name       string
		indicators []threat.Indicator
		want       float64
	}{
		{name: "empty", want: 0},
		{name: "single high", indicators: []threat.Indicator{
			threat.NewIndicator(threat.IndicatorBruteForce, threat.SeverityHigh, 0.95, "", at, nil),
		}, want: 7.125},
		{name: "unknown severity weighs one", indicators: []threat.Indicator{
			threat.NewIndicator(threat.IndicatorXSS, threat.Severity("BOGUS"), 0.5, "", at, nil),
		}, want: 0.5},
		{name: "sum", indicators: []threat.Indicator{
			threat.NewIndicator(threat.IndicatorDataExfiltration, threat.SeverityCritical, 0.9, "", at, nil),
			threat.NewIndicator(threat.IndicatorAnomalousAccessTime, threat.SeverityLow, 0.6, "", at, nil),
			threat.NewIndicator(threat.IndicatorRapidRequests, threat.SeverityMedium, 0.8, "", at, nil),
		}, want: 9 + 1.5 + 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.indicators), 1e-9)
		})
	}
}

func TestScore_NeverDecreasesWhenIndicatorsAdded(t *testing.T) {
	pool := []threat.Indicator{
		threat.NewIndicator(threat.IndicatorBruteForce, threat.SeverityHigh, 0.95, "", businessHours, nil),
		threat.NewIndicator(threat.IndicatorAnomalousAccessTime, threat.SeverityLow, 0, "", businessHours, nil),
		threat.NewIndicator(threat.IndicatorXSS, threat.Severity("OTHER"), 0.1, "", businessHours, nil),
		threat.NewIndicator(threat.IndicatorDataExfiltration, threat.SeverityCritical, 0.9, "", businessHours, nil),
		threat.NewIndicator(threat.IndicatorUnusualLocation, threat.SeverityMedium, 0.7, "", businessHours, nil),
	}
	var set []threat.Indicator
	prev := Score(set)
	for _, ind := range pool {
		set = append(set, ind)
		next := Score(set)
		assert.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		score float64
		want  threat.Level
	}{
		{0, threat.LevelNone},
		{1.99, threat.LevelNone},
		{2, threat.LevelLow},
		{4.99, threat.LevelLow},
		{5, threat.LevelMedium},
		{9.99, threat.LevelMedium},
		{10, threat.LevelHigh},
		{14.99, threat.LevelHigh},
		{15, threat.LevelCritical},
		{100, threat.LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %v", tt.score)
	}
}

func TestSeal_ErrorsMakeResultUnknown(t *testing.T) {
	r := threat.AnalysisResult{Errors: []string{"boom"}}
	Seal(&r)
	assert.Equal(t, threat.LevelUnknown, r.Level)

	clean := threat.AnalysisResult{Indicators: []threat.Indicator{
		threat.NewIndicator(threat.IndicatorPrivilegeEscalation, threat.SeverityHigh, 0.85, "", businessHours, nil),
	}}
	Seal(&clean)
	assert.Equal(t, threat.LevelMedium, clean.Level)
	assert.InDelta(t, 6.375, clean.Score, 1e-9)
}

func TestDetector_BruteForce(t *testing.T) {
	d, mr := newRedisDetector(t)
	ev := threat.Event{ID: "e", Actor: "u1", Action: ActionLoginFailed, SourceIP: "198.51.100.1"}

	for i := 1; i < 5; i++ {
		assert.NotContains(t, types(detect(t, d, ev)), string(threat.IndicatorBruteForce), "attempt %d", i)
	}
	r := detect(t, d, ev)
	require.Contains(t, types(r), string(threat.IndicatorBruteForce))
	top, _ := r.TopIndicator()
	assert.Equal(t, threat.SeverityHigh, top.Severity)
	assert.Equal(t, 0.95, top.Confidence)
	assert.Equal(t, "5", top.Metadata()["count"])

	mr.FastForward(16 * time.Minute)
	assert.NotContains(t, types(detect(t, d, ev)), string(threat.IndicatorBruteForce))
}

func TestDetector_RapidRequests(t *testing.T) {
	d, _ := newRedisDetector(t)
	ev := threat.Event{Actor: "u1", Action: "VIEW", SourceIP: "198.51.100.2"}

	var r threat.AnalysisResult
	for i := 0; i < 20; i++ {
		r = detect(t, d, ev)
		if i < 19 {
			assert.Empty(t, r.Indicators, "request %d", i+1)
		}
	}
	assert.Equal(t, []string{string(threat.IndicatorRapidRequests)}, types(r))
	assert.Equal(t, 0.80, r.Indicators[0].Confidence)
}

func TestDetector_UnusualLocation(t *testing.T) {
	d, _ := newRedisDetector(t)

	first := detect(t, d, threat.Event{Actor: "u1", Action: ActionLoginSuccess, SourceIP: "203.0.113.5"})
	assert.Empty(t, first.Indicators, "first login establishes the baseline")

	same := detect(t, d, threat.Event{Actor: "u1", Action: ActionLoginSuccess, SourceIP: "203.0.200.9"})
	assert.Empty(t, same.Indicators, "same /16 network")

	moved := detect(t, d, threat.Event{Actor: "u1", Action: ActionLoginSuccess, SourceIP: "192.0.2.10"})
	require.Len(t, moved.Indicators, 1)
	ind := moved.Indicators[0]
	assert.Equal(t, threat.IndicatorUnusualLocation, ind.Type)
	assert.Equal(t, threat.SeverityMedium, ind.Severity)
	assert.Equal(t, 0.70, ind.Confidence)
	assert.Equal(t, "203.0.0.0/16", ind.Metadata()["baseline"])
}

func TestDetector_PrivilegeEscalation(t *testing.T) {
	d, _ := newRedisDetector(t)
	for _, action := range []string{"ROLE_ASSIGNED", "PERMISSION_GRANTED", "USER_ROLE_CHANGED"} {
		r := detect(t, d, threat.Event{Actor: "u1", Action: action})
		require.Len(t, r.Indicators, 1, action)
		assert.Equal(t, threat.IndicatorPrivilegeEscalation, r.Indicators[0].Type)
		assert.Equal(t, 0.85, r.Indicators[0].Confidence)
	}
	assert.Empty(t, detect(t, d, threat.Event{Actor: "u1", Action: "PROFILE_UPDATED"}).Indicators)
}

func TestDetector_DataExfiltration(t *testing.T) {
	d, _ := newRedisDetector(t)
	var r threat.AnalysisResult
	for i := 0; i < 10; i++ {
		action := ActionDataExport
		if i%2 == 1 {
			action = ActionDownload
		}
		r = detect(t, d, threat.Event{Actor: "u2", Action: action})
	}
	require.Len(t, r.Indicators, 1)
	assert.Equal(t, threat.IndicatorDataExfiltration, r.Indicators[0].Type)
	assert.Equal(t, threat.SeverityCritical, r.Indicators[0].Severity)
}

func TestDetector_AnomalousAccessTime(t *testing.T) {
	cfg := config.Defaults().Threat
	cfg.TimeZone = "America/New_York"
	d, err := NewDetector(cfg, stubCounters{}, mustMemoryBaselines(t), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{name: "midday local", at: time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC), want: false},
		{name: "start hour is inside", at: time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC), want: false},
		{name: "end hour is inside", at: time.Date(2026, 3, 11, 2, 59, 0, 0, time.UTC), want: false},
		{name: "late night local", at: time.Date(2026, 3, 11, 3, 30, 0, 0, time.UTC), want: true},
		{name: "early morning local", at: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := detect(t, d, threat.Event{Actor: "u1", Action: "VIEW", Timestamp: tt.at})
			assert.Equal(t, tt.want, len(r.Indicators) == 1)
		})
	}
}

func TestDetector_AnomalousAccessTime_OvernightWindow(t *testing.T) {
	cfg := config.Defaults().Threat
	cfg.TimeZone = "UTC"
	cfg.BusinessHourStart = 22
	cfg.BusinessHourEnd = 6
	d, err := NewDetector(cfg, stubCounters{}, mustMemoryBaselines(t), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	for hour, want := range map[int]bool{21: true, 22: false, 23: false, 0: false, 6: false, 7: true, 14: true} {
		at := time.Date(2026, 3, 10, hour, 15, 0, 0, time.UTC)
		r := detect(t, d, threat.Event{Actor: "u1", Action: "VIEW", Timestamp: at})
		assert.Equal(t, want, len(r.Indicators) == 1, "hour %d", hour)
	}
}

func TestDetector_MaliciousPayload(t *testing.T) {
	d, _ := newRedisDetector(t)

	r := detect(t, d, threat.Event{Actor: "u1", Action: "SEARCH", Details: "q=1 UNION SELECT password FROM users"})
	assert.Equal(t, []string{string(threat.IndicatorSQLInjection)}, types(r))

	r = detect(t, d, threat.Event{Actor: "u1", Action: "COMMENT", Details: `<SCRIPT>alert(document.cookie)</script>`})
	assert.Equal(t, []string{string(threat.IndicatorXSS)}, types(r))
	assert.Equal(t, 0.90, r.Indicators[0].Confidence)

	r = detect(t, d, threat.Event{Actor: "u1", Action: "COMMENT", Details: `' or '1'='1 <script>`})
	assert.ElementsMatch(t, []string{string(threat.IndicatorSQLInjection), string(threat.IndicatorXSS)}, types(r))

	assert.Empty(t, detect(t, d, threat.Event{Actor: "u1", Action: "COMMENT", Details: "hello"}).Indicators)
}

func TestDetector_CheckErrorDoesNotStopOtherChecks(t *testing.T) {
	d, err := NewDetector(config.Defaults().Threat, stubCounters{err: errors.New("store down")}, mustMemoryBaselines(t), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	r := detect(t, d, threat.Event{Actor: "u1", Action: "ROLE_CHANGED", SourceIP: "198.51.100.3"})
	assert.Equal(t, []string{string(threat.IndicatorPrivilegeEscalation)}, types(r))
	require.Len(t, r.Errors, 1)
	assert.True(t, strings.HasPrefix(r.Errors[0], "rapid_requests check failed"))

	Seal(&r)
	assert.Equal(t, threat.LevelUnknown, r.Level)
}

func TestNewDetector_Validation(t *testing.T) {
	_, err := NewDetector(config.Defaults().Threat, nil, mustMemoryBaselines(t), nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg := config.Defaults().Threat
	cfg.TimeZone = "Nowhere/Special"
	_, err = NewDetector(cfg, stubCounters{}, mustMemoryBaselines(t), nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func mustMemoryBaselines(t *testing.T) *MemoryBaselineStore {
	t.Helper()
	s, err := NewMemoryBaselineStore(16)
	require.NoError(t, err)
	return s
}

func TestBaselineStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	stores := map[string]BaselineStore{
		"redis":  NewRedisBaselineStore(client, time.Hour),
		"memory": mustMemoryBaselines(t),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b, established, err := s.Establish(ctx, "u1", "10.0.0.0/16")
			require.NoError(t, err)
			assert.True(t, established)
			assert.Equal(t, "10.0.0.0/16", b)

			b, established, err = s.Establish(ctx, "u1", "192.168.0.0/16")
			require.NoError(t, err)
			assert.False(t, established)
			assert.Equal(t, "10.0.0.0/16", b)
		})
	}
}

func TestFallbackBaselineStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := NewFallbackBaselineStore(NewRedisBaselineStore(client, time.Hour), mustMemoryBaselines(t), zaptest.NewLogger(t))

	b, established, err := s.Establish(ctx, "u1", "10.0.0.0/16")
	require.NoError(t, err)
	assert.True(t, established)
	assert.Equal(t, "10.0.0.0/16", b)

	mr.SetError("LOADING")
	b, established, err = s.Establish(ctx, "u1", "192.168.0.0/16")
	require.NoError(t, err)
	assert.True(t, established, "local store has no baseline for u1 yet")
	assert.Equal(t, "192.168.0.0/16", b)

	mr.SetError("")
	b, _, err = s.Establish(ctx, "u1", "172.16.0.0/16")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/16", b)
}

func TestNetworkLocator(t *testing.T) {
	tests := map[string]string{
		"203.0.113.5":        "203.0.0.0/16",
		"::ffff:203.0.113.5": "203.0.0.0/16",
		"2001:db8:1::1":      "2001:db8::/32",
		"not-an-ip":          "unknown",
		"":                   "unknown",
	}
	for in, want := range tests {
		assert.Equal(t, want, NetworkLocator{}.Locate(in), in)
	}
}

func newTestAnalyzer(t *testing.T, d *Detector, h *fakeHandler, opts ...AnalyzerOption) *Analyzer {
	t.Helper()
	a, err := NewAnalyzer(d, h, 2, 4, nil, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return a
}

func TestAnalyzer_BruteForceRaisesIncident(t *testing.T) {
	d, _ := newRedisDetector(t)
	h := &fakeHandler{}
	a := newTestAnalyzer(t, d, h)
	ctx := context.Background()

	ev := threat.Event{Actor: "u1", Action: ActionLoginFailed, SourceIP: "198.51.100.1", Timestamp: businessHours}
	for i := 0; i < 4; i++ {
		r := a.Analyze(ctx, ev)
		assert.Equal(t, threat.LevelNone, r.Level)
	}

	ev.Details = "username=admin' or '1'='1"
	r := a.Analyze(ctx, ev)
	assert.ElementsMatch(t, []string{string(threat.IndicatorBruteForce), string(threat.IndicatorSQLInjection)}, types(r))
	assert.GreaterOrEqual(t, r.Score, 10.0)
	assert.Equal(t, threat.LevelHigh, r.Level)
	assert.NotEmpty(t, r.EventID)

	enqueued, handled := h.counts()
	assert.Equal(t, 1, enqueued)
	assert.Equal(t, 0, handled)
}

func TestAnalyzer_CriticalBypassesQueue(t *testing.T) {
	d, _ := newRedisDetector(t)
	h := &fakeHandler{}
	a := newTestAnalyzer(t, d, h)

	r := a.Analyze(context.Background(), threat.Event{
		Actor:     "u1",
		Action:    "ROLE_GRANTED",
		Details:   "drop table users; <script>",
		Timestamp: time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, threat.LevelCritical, r.Level)

	enqueued, handled := h.counts()
	assert.Equal(t, 0, enqueued)
	assert.Equal(t, 1, handled)
}

func TestAnalyzer_FullQueueHandledInline(t *testing.T) {
	d, _ := newRedisDetector(t)
	h := &fakeHandler{reject: true}
	a := newTestAnalyzer(t, d, h)

	r := a.Analyze(context.Background(), threat.Event{Actor: "u1", Action: "ROLE_GRANTED", Timestamp: businessHours})
	assert.Equal(t, threat.LevelMedium, r.Level)
	_, handled := h.counts()
	assert.Equal(t, 1, handled)
}

func TestAnalyzer_PanicYieldsUnknown(t *testing.T) {
	d, err := NewDetector(config.Defaults().Threat, stubCounters{panic: true}, mustMemoryBaselines(t), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	h := &fakeHandler{}
	a := newTestAnalyzer(t, d, h)

	var r threat.AnalysisResult
	require.NotPanics(t, func() {
		r = a.Analyze(context.Background(), threat.Event{Actor: "u1", Action: ActionLoginFailed, Timestamp: businessHours})
	})
	assert.Equal(t, threat.LevelUnknown, r.Level)
	require.NotEmpty(t, r.Errors)
	assert.Contains(t, r.Errors[0], "Threat analysis failed")

	_, handled := h.counts()
	assert.Equal(t, 1, handled, "unknown results take the emergency path")
}

func TestAnalyzer_LowLevelNotDispatched(t *testing.T) {
	d, _ := newRedisDetector(t)
	h := &fakeHandler{}
	a := newTestAnalyzer(t, d, h)

	r := a.Analyze(context.Background(), threat.Event{Actor: "u1", Action: "VIEW", Timestamp: time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)})
	assert.Equal(t, threat.LevelNone, r.Level, "a lone LOW indicator scores 1.5")
	enqueued, handled := h.counts()
	assert.Zero(t, enqueued+handled)
}

func TestAnalyzer_SubmitAndServe(t *testing.T) {
	d, _ := newRedisDetector(t)
	h := &fakeHandler{}
	a := newTestAnalyzer(t, d, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	require.True(t, a.Submit(threat.Event{Actor: "u1", Action: "PERMISSION_GRANTED", Timestamp: businessHours}))
	require.Eventually(t, func() bool {
		enqueued, _ := h.counts()
		return enqueued == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAnalyzer_SubmitDropsWhenFull(t *testing.T) {
	d, _ := newRedisDetector(t)
	a, err := NewAnalyzer(d, &fakeHandler{}, 1, 1, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, a.Submit(threat.Event{Actor: "u1", Action: "VIEW"}))
	assert.False(t, a.Submit(threat.Event{Actor: "u1", Action: "VIEW"}))
	assert.Equal(t, int64(1), a.QueueDepth())
}

func TestRedisEventLog(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := NewRedisEventLog(client, 10*time.Minute)
	ctx := context.Background()

	old := threat.Event{ID: "old", Actor: "u1", Action: ActionLoginFailed, Timestamp: businessHours.Add(-20 * time.Minute)}
	recent := threat.Event{ID: "recent", Actor: "u2", Action: ActionLoginFailed, Timestamp: businessHours.Add(-time.Minute)}
	now := threat.Event{ID: "now", Actor: "u3", Action: ActionLoginFailed, Timestamp: businessHours}

	require.NoError(t, log.Append(ctx, old))
	require.NoError(t, log.Append(ctx, recent))
	require.NoError(t, log.Append(ctx, now))

	all, err := log.Since(ctx, businessHours.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 2, "entries past retention are trimmed")

	window, err := log.Since(ctx, businessHours.Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "now", window[0].ID)
}

func TestDetectCoordinated(t *testing.T) {
	var events []threat.Event
	for _, actor := range []string{"a", "b", "c", "a"} {
		events = append(events, threat.Event{Actor: actor, Action: ActionLoginFailed, SourceIP: "198.51.100.9"})
	}
	events = append(events,
		threat.Event{Actor: "a", Action: ActionLoginFailed, SourceIP: "198.51.100.10"},
		threat.Event{Actor: "d", Action: ActionLoginSuccess, SourceIP: "198.51.100.9"},
	)

	found := DetectCoordinated(events, 3, businessHours.Add(-5*time.Minute), businessHours)
	require.Len(t, found, 1)
	assert.Equal(t, "198.51.100.9", found[0].SourceIP)
	assert.Equal(t, []string{"a", "b", "c"}, found[0].Actors)
	assert.Equal(t, 4, found[0].Attempts)

	assert.Empty(t, DetectCoordinated(events, 4, businessHours, businessHours))
}

func TestMonitor_Scan(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	log := NewRedisEventLog(client, time.Hour)
	ctx := context.Background()

	for i, actor := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, log.Append(ctx, threat.Event{
			ID: actor, Actor: actor, Action: ActionLoginFailed, SourceIP: "198.51.100.9",
			Timestamp: businessHours.Add(-time.Duration(i) * time.Minute),
		}))
	}

	h := &fakeHandler{}
	m, err := NewMonitor(log, h, 30*time.Second, 5*time.Minute, 5, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.now = func() time.Time { return businessHours }

	found, err := m.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Len(t, h.coordinated, 1)
	assert.Len(t, h.coordinated[0].Actors, 5)

	m.now = func() time.Time { return businessHours.Add(2 * time.Minute) }
	found, err = m.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, found, "oldest attempts fell out of the lookback")
}
