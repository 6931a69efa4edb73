// Package trust holds the risk signals and decisions of adaptive
// authentication.
package trust

import (
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

type DeviceTrust string

const (
	DeviceTrusted    DeviceTrust = "TRUSTED"
	DeviceUntrusted  DeviceTrust = "UNTRUSTED"
	DeviceSuspicious DeviceTrust = "SUSPICIOUS"
)

// RiskLevel grades behavioral and location risk
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var riskRank = map[RiskLevel]int{RiskLow: 1, RiskMedium: 2, RiskHigh: 3}

// Max returns the higher of two risk levels
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if riskRank[other] > riskRank[r] {
		return other
	}
	return r
}

type SessionIntegrity string

const (
	SessionValid       SessionIntegrity = "VALID"
	SessionSuspicious  SessionIntegrity = "SUSPICIOUS"
	SessionCompromised SessionIntegrity = "COMPROMISED"
)

// Action is the authentication decision for a request
type Action string

const (
	ActionAllow         Action = "ALLOW"
	ActionRequireMFA    Action = "REQUIRE_MFA"
	ActionRequireReauth Action = "REQUIRE_REAUTH"
	ActionDeny          Action = "DENY"
)

// Terminal reports whether the current request must stop
func (a Action) Terminal() bool {
	return a == ActionDeny || a == ActionRequireReauth
}

// Signals are the externally computed risk inputs for one request. How they
// are computed is owned by the providers.
type Signals struct {
	Device   DeviceTrust
	Behavior RiskLevel
	Location RiskLevel
	Session  SessionIntegrity
}

// Requirements are the adaptive checks demanded by the signals
type Requirements struct {
	DeviceVerification     bool `json:"device_verification"`
	BehavioralVerification bool `json:"behavioral_verification"`
	LocationVerification   bool `json:"location_verification"`
	ImmediateReauth        bool `json:"immediate_reauth"`
}

// Request identifies what is being validated
type Request struct {
	Actor          string       `json:"actor" validate:"required"`
	SessionID      string       `json:"session_id"`
	SourceIP       string       `json:"source_ip"`
	UserAgent      string       `json:"user_agent"`
	IssuedAt       time.Time    `json:"issued_at,omitempty"`
	Administrative bool         `json:"administrative"`
	ThreatLevel    threat.Level `json:"threat_level,omitempty"`
}

// ValidationResult is the outcome of one trust evaluation
type ValidationResult struct {
	Actor        string           `json:"actor"`
	SessionID    string           `json:"session_id,omitempty"`
	Device       DeviceTrust      `json:"device_trust"`
	Behavior     RiskLevel        `json:"behavioral_risk"`
	Location     RiskLevel        `json:"location_risk"`
	Session      SessionIntegrity `json:"session_integrity"`
	ThreatLevel  threat.Level     `json:"threat_level,omitempty"`
	Score        float64          `json:"trust_score"`
	Action       Action           `json:"action"`
	Requirements Requirements     `json:"requirements"`
	Errors       []string         `json:"errors,omitempty"`
	EvaluatedAt  time.Time        `json:"evaluated_at"`
}

// Failed reports whether the result was produced by failing closed
func (r ValidationResult) Failed() bool {
	return len(r.Errors) > 0
}

type MFAFactor string

const (
	FactorSMS           MFAFactor = "SMS"
	FactorEmail         MFAFactor = "EMAIL"
	FactorAuthenticator MFAFactor = "AUTHENTICATOR_APP"
	FactorBiometric     MFAFactor = "BIOMETRIC"
	FactorHardwareToken MFAFactor = "HARDWARE_TOKEN"
)

// MFARequirement lists the factors a challenge must offer and why
type MFARequirement struct {
	Required bool        `json:"required"`
	Factors  []MFAFactor `json:"factors,omitempty"`
	Reasons  []string    `json:"reasons,omitempty"`
}

// Add appends factors not already present and records the reason
func (m *MFARequirement) Add(reason string, factors ...MFAFactor) {
	m.Required = true
	m.Reasons = append(m.Reasons, reason)
	for _, f := range factors {
		if !m.Has(f) {
			m.Factors = append(m.Factors, f)
		}
	}
}

func (m MFARequirement) Has(f MFAFactor) bool {
	for _, existing := range m.Factors {
		if existing == f {
			return true
		}
	}
	return false
}

// SecurityLevel grades a session for downstream policy
type SecurityLevel string

const (
	SecurityHigh   SecurityLevel = "HIGH"
	SecurityMedium SecurityLevel = "MEDIUM"
	SecurityLow    SecurityLevel = "LOW"
)

// SessionPolicy is derived from the latest trust score of a session
type SessionPolicy struct {
	SessionID string        `json:"session_id"`
	Score     float64       `json:"trust_score"`
	Level     SecurityLevel `json:"security_level"`
	Timeout   time.Duration `json:"timeout"`
}
