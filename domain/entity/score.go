package entity

import (
	"time"

	"github.com/google/uuid"
)

// FeatureVector is a fixed-schema numeric vector derived from a single
// event. It is owned by the pipeline invocation that created it and is never
// persisted beyond scoring.
type FeatureVector struct {
	Names  []string  `json:"names"`
	Values []float64 `json:"values"`
}

// Get returns the value of a named feature, or 0 when the name is not part
// of the schema.
func (v FeatureVector) Get(name string) float64 {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i]
		}
	}
	return 0
}

// Len returns the vector width.
func (v FeatureVector) Len() int {
	return len(v.Values)
}

// Severity is the operator-facing classification of a score or incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity; unknown values rank 0.
func (s Severity) Rank() int {
	return severityRank[s]
}

// SeverityThresholds maps a risk value in [0,1] onto the severity ladder.
// Thresholds come from configuration so the ladder can be tuned without a
// redeploy.
type SeverityThresholds struct {
	Medium   float64 `json:"medium" mapstructure:"medium"`
	High     float64 `json:"high" mapstructure:"high"`
	Critical float64 `json:"critical" mapstructure:"critical"`
}

// DefaultSeverityThresholds is the documented ladder:
// <0.5 low, 0.5-0.7 medium, 0.7-0.9 high, >=0.9 critical.
func DefaultSeverityThresholds() SeverityThresholds {
	return SeverityThresholds{Medium: 0.5, High: 0.7, Critical: 0.9}
}

// For maps a score value onto a severity.
func (t SeverityThresholds) For(value float64) Severity {
	switch {
	case value >= t.Critical:
		return SeverityCritical
	case value >= t.High:
		return SeverityHigh
	case value >= t.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// FeatureContribution records how much a single feature drove a score.
type FeatureContribution struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// Score is the calibrated risk produced for exactly one event. Immutable
// once computed.
type Score struct {
	EntityID             string                `json:"entity_id" db:"entity_id"`
	EventID              uuid.UUID             `json:"event_id" db:"event_id"`
	EventType            EventType             `json:"event_type" db:"event_type"`
	Value                float64               `json:"value" db:"value"`
	Severity             Severity              `json:"severity" db:"severity"`
	ContributingFeatures []FeatureContribution `json:"contributing_features"`
	ModelVersion         string                `json:"model_version" db:"model_version"`
	ComputedAt           time.Time             `json:"computed_at" db:"computed_at"`
}

// ThreatAnalysisResult is the full outcome of analyzing one event: the
// computed score, and the incident and alert it produced, when any.
type ThreatAnalysisResult struct {
	Score    *Score    `json:"score"`
	Incident *Incident `json:"incident,omitempty"`
	Alert    *Alert    `json:"alert,omitempty"`
}

// BaselineDeviation describes how a single feature deviated from the
// entity's learned baseline.
type BaselineDeviation struct {
	Feature       string  `json:"feature"`
	Observed      float64 `json:"observed"`
	ExpectedMean  float64 `json:"expected_mean"`
	StdDeviations float64 `json:"std_deviations"`
}

// BaselineDeviationResult is the response of a behavior analysis request.
type BaselineDeviationResult struct {
	EntityID       string              `json:"entity_id"`
	DeviationScore float64             `json:"deviation_score"`
	IsAnomalous    bool                `json:"is_anomalous"`
	Confidence     float64             `json:"confidence"`
	Deviations     []BaselineDeviation `json:"deviations"`
	ComputedAt     time.Time           `json:"computed_at"`
}
