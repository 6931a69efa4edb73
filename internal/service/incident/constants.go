package incident

import "time"

// Notification subjects, relative to the publisher prefix
const (
	SubjectCreated      = "created"
	SubjectStatus       = "status"
	SubjectEscalated    = "escalated"
	SubjectResolved     = "resolved"
	SubjectCoordinated  = "coordinated"
	SubjectEmergency    = "emergency"
	SubjectSecurityTeam = "security_team"
	SubjectAlert        = "alert"
)

const (
	automatedTitle   = "Automated Threat Detection: "
	failsafeTitle    = "FAILSAFE: Response Error for "
	coordinatedTitle = "Coordinated Attack Detected: "

	detectionSource = "THREAT_DETECTION_ENGINE"

	failsafeIndicator = "FAILSAFE"
	noIndicator       = "NONE"
	coordinatedKey    = "coordinated:"
)

// monitoringTTL bounds how long an actor stays on the watchlist after a
// monitoring action.
const monitoringTTL = 24 * time.Hour

// recommendations maps indicator types to follow-up advice included in
// incident reports.
var recommendations = map[string]string{
	"BRUTE_FORCE_ATTACK":    "Enforce multi-factor authentication for the affected account",
	"RAPID_REQUESTS":        "Review rate limit rules for the targeted endpoints",
	"UNUSUAL_LOCATION":      "Confirm the new sign-in location with the account owner",
	"PRIVILEGE_ESCALATION":  "Audit recent permission and role changes",
	"DATA_EXFILTRATION":     "Review exported data and revoke export access pending investigation",
	"ANOMALOUS_ACCESS_TIME": "Verify off-hours activity with the account owner",
	"SQL_INJECTION_ATTEMPT": "Review input validation on the affected endpoint",
	"XSS_ATTEMPT":           "Review output encoding on the affected endpoint",
	"COORDINATED_ATTACK":    "Keep the source address blocked and reset credentials of targeted accounts",
}
