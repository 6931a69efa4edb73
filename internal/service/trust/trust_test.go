package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainerrors "github.com/davidleathers/adaptive-auth-backend/internal/domain/errors"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/trust"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/cache"
	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/service/audit"
	"github.com/davidleathers/adaptive-auth-backend/internal/testutil/mocks"
)

type mockSignals struct {
	mock.Mock
}

func (m *mockSignals) Signals(ctx context.Context, req trust.Request) (trust.Signals, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(trust.Signals), args.Error(1)
}

type panickingSignals struct{}

func (panickingSignals) Signals(context.Context, trust.Request) (trust.Signals, error) {
	panic("device model crashed")
}

var (
	devices   = []trust.DeviceTrust{trust.DeviceTrusted, trust.DeviceUntrusted, trust.DeviceSuspicious}
	risks     = []trust.RiskLevel{trust.RiskLow, trust.RiskMedium, trust.RiskHigh}
	integrity = []trust.SessionIntegrity{trust.SessionValid, trust.SessionSuspicious, trust.SessionCompromised}
)

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		sig  trust.Signals
		want float64
	}{
		{"best case", trust.Signals{Device: trust.DeviceTrusted, Behavior: trust.RiskLow, Location: trust.RiskLow, Session: trust.SessionValid}, 1.0},
		{"untrusted device", trust.Signals{Device: trust.DeviceUntrusted, Behavior: trust.RiskLow, Location: trust.RiskLow, Session: trust.SessionValid}, 0.84},
		{"worst case", trust.Signals{Device: trust.DeviceSuspicious, Behavior: trust.RiskHigh, Location: trust.RiskHigh, Session: trust.SessionCompromised}, 0.27},
		{"mixed", trust.Signals{Device: trust.DeviceUntrusted, Behavior: trust.RiskMedium, Location: trust.RiskMedium, Session: trust.SessionSuspicious}, 0.64},
		{"unknown values contribute nothing", trust.Signals{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Score(tt.sig), 1e-9)
		})
	}
}

func TestScore_AlwaysClampedAndDecisionConsistent(t *testing.T) {
	for _, d := range devices {
		for _, b := range risks {
			for _, l := range risks {
				for _, s := range integrity {
					sig := trust.Signals{Device: d, Behavior: b, Location: l, Session: s}
					score := Score(sig)
					require.GreaterOrEqual(t, score, 0.0)
					require.LessOrEqual(t, score, 1.0)

					req := RequirementsFor(sig)
					action := Decide(score, req)
					switch {
					case s == trust.SessionCompromised:
						assert.Equal(t, trust.ActionRequireReauth, action, "%+v", sig)
					case score < 0.3:
						assert.Equal(t, trust.ActionDeny, action)
					case score < 0.7:
						assert.Equal(t, trust.ActionRequireMFA, action)
					default:
						assert.Equal(t, trust.ActionAllow, action)
					}
				}
			}
		}
	}
}

func TestDecide(t *testing.T) {
	reauth := trust.Requirements{ImmediateReauth: true}
	tests := []struct {
		name  string
		score float64
		req   trust.Requirements
		want  trust.Action
	}{
		{"deny under 0.3", 0.25, trust.Requirements{}, trust.ActionDeny},
		{"mfa at 0.3", 0.3, trust.Requirements{}, trust.ActionRequireMFA},
		{"mfa at 0.5", 0.5, trust.Requirements{}, trust.ActionRequireMFA},
		{"allow at 0.7", 0.7, trust.Requirements{}, trust.ActionAllow},
		{"reauth overrides deny", 0.1, reauth, trust.ActionRequireReauth},
		{"reauth overrides allow", 1.0, reauth, trust.ActionRequireReauth},
		{"verification flags alone do not change the action", 0.9, trust.Requirements{DeviceVerification: true, LocationVerification: true}, trust.ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.score, tt.req))
		})
	}
}

func TestRaiseForThreat(t *testing.T) {
	assert.Equal(t, trust.RiskLow, RaiseForThreat(trust.RiskLow, threat.LevelNone))
	assert.Equal(t, trust.RiskLow, RaiseForThreat(trust.RiskLow, threat.LevelLow))
	assert.Equal(t, trust.RiskMedium, RaiseForThreat(trust.RiskLow, threat.LevelMedium))
	assert.Equal(t, trust.RiskHigh, RaiseForThreat(trust.RiskLow, threat.LevelHigh))
	assert.Equal(t, trust.RiskHigh, RaiseForThreat(trust.RiskMedium, threat.LevelUnknown))
	assert.Equal(t, trust.RiskHigh, RaiseForThreat(trust.RiskHigh, threat.LevelMedium), "never lowers")
}

func TestRequiredMFA(t *testing.T) {
	t.Run("trusted high score needs nothing", func(t *testing.T) {
		req := RequiredMFA(trust.ValidationResult{Score: 0.9, Device: trust.DeviceTrusted, Behavior: trust.RiskLow, Location: trust.RiskLow}, false)
		assert.False(t, req.Required)
		assert.Empty(t, req.Factors)
	})

	t.Run("mid score with elevated risks", func(t *testing.T) {
		req := RequiredMFA(trust.ValidationResult{
			Score:    0.5,
			Device:   trust.DeviceUntrusted,
			Behavior: trust.RiskLow,
			Location: trust.RiskHigh,
		}, false)
		assert.True(t, req.Required)
		assert.Equal(t, []string{
			"Low trust score: 0.50",
			"Untrusted device detected",
			"High-risk location detected",
		}, req.Reasons)
		assert.Equal(t, []trust.MFAFactor{
			trust.FactorSMS, trust.FactorAuthenticator, trust.FactorEmail, trust.FactorHardwareToken,
		}, req.Factors)
	})

	t.Run("behavioral anomaly and admin", func(t *testing.T) {
		req := RequiredMFA(trust.ValidationResult{Score: 0.8, Device: trust.DeviceTrusted, Behavior: trust.RiskHigh, Location: trust.RiskLow}, true)
		assert.Equal(t, []string{"Behavioral anomaly detected", "Administrative account"}, req.Reasons)
		assert.True(t, req.Has(trust.FactorBiometric))
		assert.True(t, req.Has(trust.FactorHardwareToken))
		assert.Len(t, req.Factors, 3)
	})
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		score   float64
		level   trust.SecurityLevel
		timeout time.Duration
	}{
		{1.0, trust.SecurityHigh, 30 * time.Minute},
		{0.8, trust.SecurityHigh, 24 * time.Minute},
		{0.64, trust.SecurityMedium, 1152 * time.Second},
		{0.5, trust.SecurityLow, 15 * time.Minute},
		{0, trust.SecurityLow, 0},
	}
	for _, tt := range tests {
		p := PolicyFor("s1", tt.score, 30*time.Minute)
		assert.Equal(t, tt.level, p.Level, "score %v", tt.score)
		assert.Equal(t, tt.timeout, p.Timeout, "score %v", tt.score)
	}
}

func newService(t *testing.T, signals SignalProvider, sessions SessionTrustStore) (*Service, *mocks.AuditRecorder) {
	t.Helper()
	rec := mocks.NewAuditRecorder()
	svc, err := NewService(config.Defaults().Trust, signals, sessions, rec, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return svc, rec
}

func TestService_Validate(t *testing.T) {
	ctx := context.Background()
	req := trust.Request{Actor: "u1", SessionID: "s1", SourceIP: "203.0.113.5", UserAgent: "curl"}

	t.Run("allow", func(t *testing.T) {
		signals := &mockSignals{}
		signals.On("Signals", mock.Anything, req).Return(trust.Signals{
			Device: trust.DeviceTrusted, Behavior: trust.RiskLow, Location: trust.RiskLow, Session: trust.SessionValid,
		}, nil).Once()
		svc, rec := newService(t, signals, nil)

		r := svc.Validate(ctx, req)
		assert.Equal(t, trust.ActionAllow, r.Action)
		assert.InDelta(t, 1.0, r.Score, 1e-9)
		assert.False(t, r.Failed())
		signals.AssertExpectations(t)

		events := rec.ByType(audit.EventAuthValidation)
		require.Len(t, events, 1)
		assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
		assert.Contains(t, events[0].Message, "Trust Score: 1.00, Action: ALLOW, Device Trust: TRUSTED")
	})

	t.Run("threat level raises behavioral risk", func(t *testing.T) {
		withThreat := req
		withThreat.ThreatLevel = threat.LevelHigh
		signals := &mockSignals{}
		signals.On("Signals", mock.Anything, withThreat).Return(trust.Signals{
			Device: trust.DeviceTrusted, Behavior: trust.RiskLow, Location: trust.RiskLow, Session: trust.SessionValid,
		}, nil)
		svc, _ := newService(t, signals, nil)

		r := svc.Validate(ctx, withThreat)
		assert.Equal(t, trust.RiskHigh, r.Behavior)
		assert.InDelta(t, 0.8, r.Score, 1e-9)
		assert.True(t, r.Requirements.BehavioralVerification)
	})

	t.Run("provider error fails closed", func(t *testing.T) {
		signals := &mockSignals{}
		signals.On("Signals", mock.Anything, req).Return(trust.Signals{}, errors.New("redis unavailable"))
		svc, rec := newService(t, signals, nil)

		r := svc.Validate(ctx, req)
		assert.Equal(t, trust.ActionDeny, r.Action)
		assert.Zero(t, r.Score)
		require.Len(t, r.Errors, 1)
		assert.Contains(t, r.Errors[0], "redis unavailable")
		assert.Equal(t, audit.OutcomeFailure, rec.ByType(audit.EventAuthValidation)[0].Outcome)
	})

	t.Run("panic fails closed", func(t *testing.T) {
		svc, _ := newService(t, panickingSignals{}, nil)
		var r trust.ValidationResult
		require.NotPanics(t, func() { r = svc.Validate(ctx, req) })
		assert.Equal(t, trust.ActionDeny, r.Action)
		assert.Zero(t, r.Score)
		assert.NotEmpty(t, r.Errors)
	})

	t.Run("missing actor fails closed", func(t *testing.T) {
		svc, _ := newService(t, &mockSignals{}, nil)
		r := svc.Validate(ctx, trust.Request{SessionID: "s1"})
		assert.Equal(t, trust.ActionDeny, r.Action)
		assert.True(t, r.Failed())
	})
}

func setupStores(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestStoreSignals(t *testing.T) {
	ctx := context.Background()
	_, client := setupStores(t)
	logger := zaptest.NewLogger(t)

	deviceReg := cache.NewRedisDeviceRegistry(client, time.Hour)
	watchlist := cache.NewRedisWatchlist(client)
	accounts := cache.NewRedisAccountLocker(client, logger)
	blocklist := cache.NewRedisBlocklist(client, logger)
	p := NewStoreSignals(deviceReg, watchlist, accounts, blocklist)

	base := trust.Request{Actor: "u1", SourceIP: "203.0.113.5", UserAgent: "Mozilla/5.0"}

	sig, err := p.Signals(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, trust.Signals{Device: trust.DeviceUntrusted, Behavior: trust.RiskLow, Location: trust.RiskLow, Session: trust.SessionValid}, sig)

	noAgent := base
	noAgent.UserAgent = ""
	sig, err = p.Signals(ctx, noAgent)
	require.NoError(t, err)
	assert.Equal(t, trust.DeviceSuspicious, sig.Device)

	require.NoError(t, deviceReg.Trust(ctx, "u1", "Mozilla/5.0"))
	require.NoError(t, watchlist.Watch(ctx, "u1", "incident", time.Hour))
	require.NoError(t, blocklist.Block(ctx, "203.0.113.5", "incident", time.Hour))
	sig, err = p.Signals(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, trust.DeviceTrusted, sig.Device)
	assert.Equal(t, trust.RiskMedium, sig.Behavior)
	assert.Equal(t, trust.RiskHigh, sig.Location)

	require.NoError(t, accounts.Lock(ctx, "u1", "incident", time.Hour))
	issued := time.Now().Add(-time.Minute)
	require.NoError(t, accounts.RevokeSessions(ctx, "u1", time.Hour))

	stale := base
	stale.IssuedAt = issued
	sig, err = p.Signals(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, trust.RiskHigh, sig.Behavior)
	assert.Equal(t, trust.SessionCompromised, sig.Session)

	fresh := base
	fresh.IssuedAt = time.Now().Add(time.Minute)
	sig, err = p.Signals(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, trust.SessionValid, sig.Session)
}

func TestService_RevokedSessionRequiresReauth(t *testing.T) {
	ctx := context.Background()
	_, client := setupStores(t)
	logger := zaptest.NewLogger(t)
	accounts := cache.NewRedisAccountLocker(client, logger)
	sessions := cache.NewRedisSessionTrustStore(client, time.Hour, logger)

	p := NewStoreSignals(cache.NewRedisDeviceRegistry(client, 0), cache.NewRedisWatchlist(client), accounts, cache.NewRedisBlocklist(client, logger))
	svc, _ := newService(t, p, sessions)

	req := trust.Request{Actor: "u1", SessionID: "s1", UserAgent: "Mozilla/5.0", IssuedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, accounts.RevokeSessions(ctx, "u1", time.Hour))

	out := svc.Reevaluate(ctx, req)
	assert.Equal(t, trust.ActionRequireReauth, out.Validation.Action)
	assert.True(t, out.ReauthRequired)
	assert.True(t, out.Invalidate, "device was never verified")
	assert.True(t, out.MFA.Required)

	st, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, out.Validation.Score, st.Score, 1e-9)
	assert.Equal(t, string(out.Policy.Level), st.Level)
}

func TestService_IsAdministrative(t *testing.T) {
	svc, _ := newService(t, &mockSignals{}, nil)
	assert.True(t, svc.IsAdministrative([]string{"user", "security_admin"}))
	assert.False(t, svc.IsAdministrative([]string{"user"}))
	assert.False(t, svc.IsAdministrative(nil))
}

func TestService_ReevaluateUsesPreviousSessionTrust(t *testing.T) {
	ctx := context.Background()
	_, client := setupStores(t)
	logger := zaptest.NewLogger(t)
	devices := cache.NewRedisDeviceRegistry(client, time.Hour)
	watchlist := cache.NewRedisWatchlist(client)
	sessions := cache.NewRedisSessionTrustStore(client, time.Hour, logger)
	p := NewStoreSignals(devices, watchlist, cache.NewRedisAccountLocker(client, logger), cache.NewRedisBlocklist(client, logger))
	svc, _ := newService(t, p, sessions)

	require.NoError(t, devices.Trust(ctx, "u1", "Mozilla/5.0"))
	req := trust.Request{Actor: "u1", SessionID: "s1", UserAgent: "Mozilla/5.0"}

	first := svc.Reevaluate(ctx, req)
	assert.Nil(t, first.PreviousScore, "new session")
	assert.False(t, first.Invalidate)
	assert.InDelta(t, 1.0, first.Validation.Score, 1e-9)

	require.NoError(t, watchlist.Watch(ctx, "u1", "INC-1", time.Hour))
	second := svc.Reevaluate(ctx, req)
	require.NotNil(t, second.PreviousScore)
	assert.InDelta(t, 1.0, *second.PreviousScore, 1e-9)
	assert.Less(t, second.Validation.Score, *second.PreviousScore)
	assert.False(t, second.Invalidate)

	require.NoError(t, devices.Trust(ctx, "u2", "Mozilla/5.0"))
	hijacked := svc.Reevaluate(ctx, trust.Request{Actor: "u2", SessionID: "s1", UserAgent: "Mozilla/5.0"})
	assert.True(t, hijacked.Invalidate, "session was last evaluated for u1")
}

func TestService_TrustDevice(t *testing.T) {
	ctx := context.Background()
	_, client := setupStores(t)
	logger := zaptest.NewLogger(t)
	devices := cache.NewRedisDeviceRegistry(client, time.Hour)
	p := NewStoreSignals(devices, cache.NewRedisWatchlist(client), cache.NewRedisAccountLocker(client, logger), cache.NewRedisBlocklist(client, logger))

	without, _ := newService(t, p, nil)
	_, err := without.TrustDevice(ctx, "u1", "Mozilla/5.0", "203.0.113.5")
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeConfiguration))

	rec := mocks.NewAuditRecorder()
	svc, err := NewService(config.Defaults().Trust, p, nil, rec, nil, logger, WithDevices(devices))
	require.NoError(t, err)

	req := trust.Request{Actor: "u1", UserAgent: "Mozilla/5.0"}
	assert.Equal(t, trust.DeviceUntrusted, svc.Validate(ctx, req).Device)

	_, err = svc.TrustDevice(ctx, "u1", "", "203.0.113.5")
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeValidation))

	device, err := svc.TrustDevice(ctx, "u1", "Mozilla/5.0", "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, cache.Fingerprint("Mozilla/5.0"), device)
	assert.Equal(t, trust.DeviceTrusted, svc.Validate(ctx, req).Device)

	events := rec.ByType(audit.EventDeviceTrusted)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].Actor)
	assert.Equal(t, "203.0.113.5", events[0].SourceIP)
	assert.Equal(t, cache.Fingerprint("Mozilla/5.0"), events[0].Attributes["device"])
}
