package trust

import (
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
	"github.com/davidleathers/adaptive-auth-backend/internal/domain/trust"
)

// Decision thresholds on the trust score
const (
	DenyBelow = 0.3
	MFABelow  = 0.7
)

const deviceWeight = 0.4

// deviceTrustFactor is scaled by deviceWeight; the other tables are point
// contributions added on top.
var deviceTrustFactor = map[trust.DeviceTrust]float64{
	trust.DeviceTrusted:    1.0,
	trust.DeviceUntrusted:  0.6,
	trust.DeviceSuspicious: 0.3,
}

var behaviorPoints = map[trust.RiskLevel]float64{
	trust.RiskLow:    0.30,
	trust.RiskMedium: 0.20,
	trust.RiskHigh:   0.10,
}

var locationPoints = map[trust.RiskLevel]float64{
	trust.RiskLow:    0.20,
	trust.RiskMedium: 0.15,
	trust.RiskHigh:   0.05,
}

var sessionPoints = map[trust.SessionIntegrity]float64{
	trust.SessionValid:       0.10,
	trust.SessionSuspicious:  0.05,
	trust.SessionCompromised: 0.0,
}

// Score combines the signals into a trust score clamped to [0,1]. Values
// missing from the tables contribute nothing.
func Score(s trust.Signals) float64 {
	score := deviceTrustFactor[s.Device] * deviceWeight
	score += behaviorPoints[s.Behavior]
	score += locationPoints[s.Location]
	score += sessionPoints[s.Session]
	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RequirementsFor lists the adaptive checks the signals demand
func RequirementsFor(s trust.Signals) trust.Requirements {
	return trust.Requirements{
		DeviceVerification:     s.Device == trust.DeviceUntrusted,
		BehavioralVerification: s.Behavior == trust.RiskHigh,
		LocationVerification:   s.Location == trust.RiskHigh,
		ImmediateReauth:        s.Session == trust.SessionCompromised,
	}
}

// Decide applies the decision precedence: immediate reauth, then deny, then
// MFA, then allow.
func Decide(score float64, req trust.Requirements) trust.Action {
	switch {
	case req.ImmediateReauth:
		return trust.ActionRequireReauth
	case score < DenyBelow:
		return trust.ActionDeny
	case score < MFABelow:
		return trust.ActionRequireMFA
	default:
		return trust.ActionAllow
	}
}

// RaiseForThreat folds the latest threat level into behavioral risk. It never
// lowers the risk.
func RaiseForThreat(behavior trust.RiskLevel, level threat.Level) trust.RiskLevel {
	switch {
	case level == "" || level == threat.LevelNone || level == threat.LevelLow:
		return behavior
	case level == threat.LevelMedium:
		return behavior.Max(trust.RiskMedium)
	default:
		return behavior.Max(trust.RiskHigh)
	}
}

// RequiredMFA selects challenge factors. Each condition adds its own reason
// and factor set independently of the others.
func RequiredMFA(r trust.ValidationResult, administrative bool) trust.MFARequirement {
	var req trust.MFARequirement
	if r.Score < MFABelow {
		req.Add("Low trust score: "+formatScore(r.Score), trust.FactorSMS, trust.FactorAuthenticator)
	}
	if r.Device == trust.DeviceUntrusted {
		req.Add("Untrusted device detected", trust.FactorEmail, trust.FactorSMS, trust.FactorAuthenticator)
	}
	if r.Location == trust.RiskHigh {
		req.Add("High-risk location detected", trust.FactorAuthenticator, trust.FactorHardwareToken)
	}
	if r.Behavior == trust.RiskHigh {
		req.Add("Behavioral anomaly detected", trust.FactorBiometric, trust.FactorAuthenticator)
	}
	if administrative {
		req.Add("Administrative account", trust.FactorAuthenticator, trust.FactorHardwareToken)
	}
	return req
}

// PolicyFor scales the session timeout by the trust score and grades the
// session.
func PolicyFor(sessionID string, score float64, baseTimeout time.Duration) trust.SessionPolicy {
	level := trust.SecurityLow
	switch {
	case score >= 0.8:
		level = trust.SecurityHigh
	case score >= 0.6:
		level = trust.SecurityMedium
	}
	return trust.SessionPolicy{
		SessionID: sessionID,
		Score:     score,
		Level:     level,
		Timeout:   time.Duration(float64(baseTimeout) * clamp(score)).Round(time.Second),
	}
}
