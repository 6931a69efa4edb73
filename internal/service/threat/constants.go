package threat

import "github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"

// Event actions the detector reacts to
const (
	ActionLoginFailed  = "LOGIN_FAILED"
	ActionLoginSuccess = "LOGIN_SUCCESS"
	ActionDataExport   = "DATA_EXPORT"
	ActionDownload     = "DOWNLOAD"
)

// Counter key prefixes
const (
	failedLoginKeyPrefix = "threat:failed_login:"
	requestKeyPrefix     = "threat:requests:"
	exportKeyPrefix      = "threat:exports:"
	baselineKeyPrefix    = "threat:location_baseline:"
	eventLogKey          = "threat:events"
)

// Indicator confidences
const (
	bruteForceConfidence          = 0.95
	rapidRequestConfidence        = 0.80
	unusualLocationConfidence     = 0.70
	privilegeEscalationConfidence = 0.85
	exfiltrationConfidence        = 0.90
	anomalousTimeConfidence       = 0.60
	sqlInjectionConfidence        = 0.95
	xssConfidence                 = 0.90
)

// privilegeMarkers flag actions that change permissions or roles
var privilegeMarkers = []string{"PERMISSION", "ROLE"}

// Payload patterns are matched case-insensitively against event details
var sqlInjectionPatterns = []string{
	"union select",
	"drop table",
	"insert into",
	"update set",
	"delete from",
	"'; --",
	"' or '1'='1",
	"exec(",
	"sp_",
}

var xssPatterns = []string{
	"<script",
	"javascript:",
	"onerror=",
	"onload=",
	"onclick=",
	"eval(",
	"alert(",
	"document.cookie",
}

// severityWeights scale each indicator's confidence into score points
var severityWeights = map[threat.Severity]float64{
	threat.SeverityCritical: 10.0,
	threat.SeverityHigh:     7.5,
	threat.SeverityMedium:   5.0,
	threat.SeverityLow:      2.5,
}

const defaultSeverityWeight = 1.0

// levelThresholds is ordered from highest to lowest minimum score
var levelThresholds = []struct {
	min   float64
	level threat.Level
}{
	{15.0, threat.LevelCritical},
	{10.0, threat.LevelHigh},
	{5.0, threat.LevelMedium},
	{2.0, threat.LevelLow},
}
