// Package threat holds the value types produced by threat detection and
// scoring.
package threat

import (
	"encoding/json"
	"maps"
	"time"
)

// Severity of a single indicator or incident
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// IndicatorType names the kind of suspicious activity an indicator reports
type IndicatorType string

const (
	IndicatorBruteForce          IndicatorType = "BRUTE_FORCE_ATTACK"
	IndicatorRapidRequests       IndicatorType = "RAPID_REQUESTS"
	IndicatorUnusualLocation     IndicatorType = "UNUSUAL_LOCATION"
	IndicatorPrivilegeEscalation IndicatorType = "PRIVILEGE_ESCALATION"
	IndicatorDataExfiltration    IndicatorType = "DATA_EXFILTRATION"
	IndicatorAnomalousAccessTime IndicatorType = "ANOMALOUS_ACCESS_TIME"
	IndicatorSQLInjection        IndicatorType = "SQL_INJECTION_ATTEMPT"
	IndicatorXSS                 IndicatorType = "XSS_ATTEMPT"
	IndicatorCoordinatedAttack   IndicatorType = "COORDINATED_ATTACK"
)

// Indicator is a single typed signal of suspicious activity. It is a value
// type; the metadata map is copied on construction and on read.
type Indicator struct {
	Type        IndicatorType
	Severity    Severity
	Confidence  float64
	Description string
	DetectedAt  time.Time
	metadata    map[string]string
}

// NewIndicator builds an indicator, clamping confidence to [0,1].
func NewIndicator(t IndicatorType, sev Severity, confidence float64, description string, at time.Time, metadata map[string]string) Indicator {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Indicator{
		Type:        t,
		Severity:    sev,
		Confidence:  confidence,
		Description: description,
		DetectedAt:  at,
		metadata:    maps.Clone(metadata),
	}
}

// Metadata returns a copy of the indicator metadata
func (i Indicator) Metadata() map[string]string {
	return maps.Clone(i.metadata)
}

type indicatorJSON struct {
	Type        IndicatorType     `json:"type"`
	Severity    Severity          `json:"severity"`
	Confidence  float64           `json:"confidence"`
	Description string            `json:"description"`
	DetectedAt  time.Time         `json:"detected_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (i Indicator) MarshalJSON() ([]byte, error) {
	return json.Marshal(indicatorJSON{
		Type:        i.Type,
		Severity:    i.Severity,
		Confidence:  i.Confidence,
		Description: i.Description,
		DetectedAt:  i.DetectedAt,
		Metadata:    i.metadata,
	})
}

func (i *Indicator) UnmarshalJSON(data []byte) error {
	var raw indicatorJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = NewIndicator(raw.Type, raw.Severity, raw.Confidence, raw.Description, raw.DetectedAt, raw.Metadata)
	return nil
}

// Level is the discretized aggregate risk of an analysis
type Level string

const (
	LevelNone     Level = "NONE"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
	// LevelUnknown marks an analysis that failed. It ranks above CRITICAL so
	// that threshold comparisons never treat it as safe.
	LevelUnknown Level = "UNKNOWN"
)

var levelRank = map[Level]int{
	LevelNone:     0,
	LevelLow:      1,
	LevelMedium:   2,
	LevelHigh:     3,
	LevelCritical: 4,
	LevelUnknown:  5,
}

func (l Level) Rank() int {
	r, ok := levelRank[l]
	if !ok {
		return levelRank[LevelUnknown]
	}
	return r
}

// AtLeast reports whether l is at or above other
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// Severity maps a threat level onto incident severity. NONE has no severity;
// UNKNOWN maps to HIGH.
func (l Level) Severity() (Severity, bool) {
	switch l {
	case LevelLow:
		return SeverityLow, true
	case LevelMedium:
		return SeverityMedium, true
	case LevelHigh, LevelUnknown:
		return SeverityHigh, true
	case LevelCritical:
		return SeverityCritical, true
	default:
		return "", false
	}
}

// Event is the normalized record consumed by the detector
type Event struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor" validate:"required"`
	Action    string    `json:"action" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	Details   string    `json:"details,omitempty"`
}

// AnalysisResult is the sealed outcome of analyzing one event
type AnalysisResult struct {
	EventID    string      `json:"event_id"`
	Actor      string      `json:"actor"`
	Timestamp  time.Time   `json:"timestamp"`
	SourceIP   string      `json:"source_ip"`
	EventType  string      `json:"event_type"`
	Indicators []Indicator `json:"indicators"`
	Score      float64     `json:"score"`
	Level      Level       `json:"level"`
	Errors     []string    `json:"errors,omitempty"`
}

// HasErrors reports whether any check or the scorer failed
func (r AnalysisResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// TopIndicator returns the indicator with the highest severity, earliest
// first on ties.
func (r AnalysisResult) TopIndicator() (Indicator, bool) {
	if len(r.Indicators) == 0 {
		return Indicator{}, false
	}
	top := r.Indicators[0]
	for _, ind := range r.Indicators[1:] {
		if ind.Severity.Rank() > top.Severity.Rank() {
			top = ind
		}
	}
	return top, true
}

// IndicatorTypes lists indicator types in detection order
func (r AnalysisResult) IndicatorTypes() []string {
	out := make([]string, 0, len(r.Indicators))
	for _, ind := range r.Indicators {
		out = append(out, string(ind.Type))
	}
	return out
}

// CoordinatedThreat is a burst of failed logins from one source address
// spread across several actors.
type CoordinatedThreat struct {
	SourceIP    string    `json:"source_ip"`
	Actors      []string  `json:"actors"`
	Attempts    int       `json:"attempts"`
	WindowStart time.Time `json:"window_start"`
	DetectedAt  time.Time `json:"detected_at"`
}
