package threat

import (
	"fmt"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/threat"
)

// Score sums severity weight times confidence over all indicators. Adding an
// indicator never lowers the score.
func Score(indicators []threat.Indicator) float64 {
	var total float64
	for _, ind := range indicators {
		w, ok := severityWeights[ind.Severity]
		if !ok {
			w = defaultSeverityWeight
		}
		total += w * ind.Confidence
	}
	return total
}

// LevelFor discretizes a score
func LevelFor(score float64) threat.Level {
	for _, t := range levelThresholds {
		if score >= t.min {
			return t.level
		}
	}
	return threat.LevelNone
}

// Seal computes the score and level of a result. A result that already
// carries errors is sealed as UNKNOWN, as is one whose scoring panics.
func Seal(result *threat.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			result.Level = threat.LevelUnknown
			result.Errors = append(result.Errors, fmt.Sprintf("Threat scoring failed: %v", r))
		}
	}()

	result.Score = Score(result.Indicators)
	if result.HasErrors() {
		result.Level = threat.LevelUnknown
		return
	}
	result.Level = LevelFor(result.Score)
}
