package domain

import "time"

// RiskLevel is the discrete classification of a composite score.
type RiskLevel string

const (
	RiskCritical RiskLevel = "Critical"
	RiskHigh     RiskLevel = "High"
	RiskMedium   RiskLevel = "Medium"
	RiskLow      RiskLevel = "Low"
)

// Level thresholds. Boundaries are inclusive on the lower threshold:
// score 0.8 is Critical, 0.79999 is High.
const (
	ThresholdCritical = 0.8
	ThresholdHigh     = 0.6
	ThresholdMedium   = 0.4
)

// LevelForScore maps a composite score to its discrete level.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= ThresholdCritical:
		return RiskCritical
	case score >= ThresholdHigh:
		return RiskHigh
	case score >= ThresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Factor names used in risk composition and explanations.
const (
	FactorAnomaly       = "anomaly"
	FactorLeaver        = "leaver"
	FactorDomain        = "external_domain"
	FactorAttachment    = "attachment_risk"
	FactorKeyword       = "keyword_matches"
	FactorTime          = "time_risk"
	FactorJustification = "justification"
)

// FactorContribution shows how one weighted factor contributed to the
// composite score.
type FactorContribution struct {
	Factor       string  `json:"factor"`
	Value        float64 `json:"value"`  // raw factor value in [0,1]
	Weight       float64 `json:"weight"` // normalized weight
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason,omitempty"`
}

// RiskAssessment is the per-record scoring result. It is owned by the record
// and overwritten whole on re-scoring, never partially updated.
type RiskAssessment struct {
	ID       string `json:"id"`
	RecordID string `json:"recordId"`

	AnomalyScore   float64              `json:"anomalyScore"`
	CompositeScore float64              `json:"compositeScore"`
	Level          RiskLevel            `json:"level"`
	Factors        []FactorContribution `json:"factors,omitempty"`

	// ModelUsed is false when anomaly scoring was skipped (insufficient
	// data or zero variance) and composition relied on rule factors only.
	ModelUsed bool `json:"modelUsed"`

	// FloorApplied is set when a security-rule severity floor raised the
	// composite score.
	FloorApplied float64 `json:"floorApplied,omitempty"`

	// Explanation is ordered by contribution magnitude descending.
	Explanation []string `json:"explanation"`

	ScoredAt time.Time `json:"scoredAt"`
}
