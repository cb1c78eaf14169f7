package domain

import "time"

// SessionStatus is the lifecycle state of an analysis session.
type SessionStatus string

const (
	SessionUploaded   SessionStatus = "uploaded"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// Session is one analysis run over a batch of ingested records.
// Stage flags are checkpoints: a re-run resumes after the last completed
// stage and must never duplicate cases for unchanged records.
type Session struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenantId"`
	Name       string        `json:"name"`
	CreatedAt  time.Time     `json:"createdAt"`
	Status     SessionStatus `json:"status"`
	ErrMessage string        `json:"errorMessage,omitempty"`

	TotalRecords     int `json:"totalRecords"`
	ProcessedRecords int `json:"processedRecords"`

	// Pipeline stage checkpoints
	ExclusionApplied bool `json:"exclusionApplied"`
	WhitelistApplied bool `json:"whitelistApplied"`
	RulesApplied     bool `json:"rulesApplied"`
	ScoringApplied   bool `json:"scoringApplied"`
	CasesGenerated   bool `json:"casesGenerated"`

	Stats *SessionStats `json:"stats,omitempty"`
}

// SessionStats summarizes a completed pipeline run.
type SessionStats struct {
	ExcludedCount    int     `json:"excludedCount"`
	WhitelistedCount int     `json:"whitelistedCount"`
	AnalyzedCount    int     `json:"analyzedCount"`
	SecurityMatches  int     `json:"securityMatches"`
	CasesCreated     int     `json:"casesCreated"`
	AnomalyRate      float64 `json:"anomalyRate"`
	AverageRisk      float64 `json:"averageRisk"`
	ModelUsed        bool    `json:"modelUsed"`

	// Risk level distribution keyed by level name
	Distribution map[string]int `json:"distribution,omitempty"`

	DurationMs int64 `json:"durationMs"`
}
