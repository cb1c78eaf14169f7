package risk

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-sec/kestrel/internal/domain"
)

// RuleLookup resolves a matched security rule so its actions can influence
// the final score.
type RuleLookup interface {
	SecurityRule(id string) (*domain.Rule, bool)
}

// Input carries everything the composer needs for one record. AnomalyScore
// is the batch-normalized detector output; AttachmentRisk and TrustScore
// come from the feature builder and domain profiles.
type Input struct {
	Record       *domain.EmailRecord
	AnomalyScore float64
	ModelUsed    bool

	AttachmentRisk float64

	// TrustScore is the recipient-domain trust on the 0-100 scale.
	// Negative means no profile was available; a neutral 50 is assumed.
	TrustScore float64
}

// Composer combines the anomaly score with weighted rule-derived factors
// into a single composite score, level, and explanation.
//
// composite = anomalyWeight * anomaly + (1 - anomalyWeight) * ruleRisk,
// where ruleRisk is the factor-weighted average. Factor weights are
// renormalized over their sum so configuration does not have to keep them
// summing to one. When the model was skipped the anomaly share collapses
// and the composite is the rule risk alone.
type Composer struct {
	cfg   domain.ScoringConfig
	rules RuleLookup
}

// NewComposer creates a composer. rules may be nil when score modifiers and
// escalation actions are not needed (tests, previews).
func NewComposer(cfg domain.ScoringConfig, rules RuleLookup) *Composer {
	if cfg.AnomalyWeight <= 0 || cfg.AnomalyWeight >= 1 {
		cfg.AnomalyWeight = 0.4
	}
	if cfg.ExplanationCutoff <= 0 {
		cfg.ExplanationCutoff = 0.01
	}
	return &Composer{cfg: cfg, rules: rules}
}

// Compose scores one record. The returned assessment is complete and
// self-describing; callers attach it to the record and persist it whole.
func (c *Composer) Compose(in Input) *domain.RiskAssessment {
	record := in.Record

	anomalyWeight := c.cfg.AnomalyWeight
	if !in.ModelUsed {
		anomalyWeight = 0
	}
	factorBudget := 1 - anomalyWeight

	factors := c.ruleFactors(record, in)

	var weightSum float64
	for _, f := range factors {
		weightSum += f.Weight
	}

	assessment := &domain.RiskAssessment{
		ID:           uuid.New().String(),
		RecordID:     record.ID,
		AnomalyScore: in.AnomalyScore,
		ModelUsed:    in.ModelUsed,
		ScoredAt:     time.Now().UTC(),
	}

	composite := 0.0
	if in.ModelUsed {
		contribution := anomalyWeight * in.AnomalyScore
		composite += contribution
		assessment.Factors = append(assessment.Factors, domain.FactorContribution{
			Factor:       domain.FactorAnomaly,
			Value:        in.AnomalyScore,
			Weight:       anomalyWeight,
			Contribution: contribution,
			Reason:       "unusual communication pattern for this batch",
		})
	}

	// Renormalize nominal factor weights to the non-anomaly budget.
	for _, f := range factors {
		normalized := 0.0
		if weightSum > 0 {
			normalized = factorBudget * f.Weight / weightSum
		}
		contribution := normalized * f.Value
		composite += contribution
		assessment.Factors = append(assessment.Factors, domain.FactorContribution{
			Factor:       f.Factor,
			Value:        f.Value,
			Weight:       normalized,
			Contribution: contribution,
			Reason:       f.Reason,
		})
	}

	composite += c.scoreModifiers(record)

	if floor := matchFloor(record.RuleMatches); floor > composite {
		composite = floor
		assessment.FloorApplied = floor
	}

	composite = clamp01(composite)
	assessment.CompositeScore = composite
	assessment.Level = domain.LevelForScore(composite)
	assessment.Explanation = c.explain(assessment)

	return assessment
}

// ruleFactors computes the raw factor values for one record. Every value is
// in [0,1]; zero-value factors still appear so explanations and audits can
// show what was considered.
func (c *Composer) ruleFactors(record *domain.EmailRecord, in Input) []domain.FactorContribution {
	leaver := 0.0
	if record.Leaver {
		leaver = 1
	}

	trust := in.TrustScore
	if trust < 0 {
		trust = 50
	}
	domainRisk := clamp01(1 - trust/100)

	keyword := 0.0
	if record.HasKeywordMatch() {
		keyword = 1
	}

	timeRisk := 0.0
	if offHours(record.Timestamp) {
		timeRisk = 1
	}

	justification := 0.0
	if c.suspiciousJustification(record.Justification) {
		justification = 1
	}

	return []domain.FactorContribution{
		{Factor: domain.FactorLeaver, Value: leaver, Weight: c.cfg.LeaverWeight,
			Reason: "sender is a leaver"},
		{Factor: domain.FactorDomain, Value: domainRisk, Weight: c.cfg.DomainWeight,
			Reason: fmt.Sprintf("recipient domain %s has low trust", record.RecipientDomain)},
		{Factor: domain.FactorAttachment, Value: clamp01(in.AttachmentRisk), Weight: c.cfg.AttachmentWeight,
			Reason: "high-risk attachment types"},
		{Factor: domain.FactorKeyword, Value: keyword, Weight: c.cfg.KeywordWeight,
			Reason: "wordlist match on subject or attachment"},
		{Factor: domain.FactorTime, Value: timeRisk, Weight: c.cfg.TimeWeight,
			Reason: "sent outside business hours"},
		{Factor: domain.FactorJustification, Value: justification, Weight: c.cfg.JustificationWeight,
			Reason: "justification contains suspicious wording"},
	}
}

// scoreModifiers sums the ScoreModifier actions of every matched security
// rule. Modifiers apply after weighted composition and before floors.
func (c *Composer) scoreModifiers(record *domain.EmailRecord) float64 {
	if c.rules == nil {
		return 0
	}
	total := 0.0
	for _, m := range record.RuleMatches {
		rule, ok := c.rules.SecurityRule(m.RuleID)
		if !ok || rule.Actions == nil {
			continue
		}
		total += rule.Actions.ScoreModifier
	}
	return total
}

// matchFloor returns the highest severity floor among the matches.
func matchFloor(matches []domain.RuleMatch) float64 {
	floor := 0.0
	for _, m := range matches {
		if f := m.Severity.Floor(); f > floor {
			floor = f
		}
	}
	return floor
}

// explain renders human-readable reasons ordered by contribution magnitude
// descending, dropping negligible contributions.
func (c *Composer) explain(a *domain.RiskAssessment) []string {
	ordered := make([]domain.FactorContribution, len(a.Factors))
	copy(ordered, a.Factors)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Contribution > ordered[j].Contribution
	})

	reasons := make([]string, 0, len(ordered)+2)
	for _, f := range ordered {
		if f.Contribution < c.cfg.ExplanationCutoff {
			continue
		}
		reasons = append(reasons, f.Reason)
	}
	if a.FloorApplied > 0 {
		reasons = append(reasons, fmt.Sprintf("security rule match raised score to the %s floor", domain.LevelForScore(a.FloorApplied)))
	}
	if !a.ModelUsed {
		reasons = append(reasons, "anomaly model unavailable, rule factors only")
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no significant risk factors")
	}
	return reasons
}

// offHours reports weekend sends and sends between 22:00 and 05:59.
func offHours(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return true
	}
	h := t.Hour()
	return h >= 22 || h < 6
}

func (c *Composer) suspiciousJustification(justification string) bool {
	j := strings.ToLower(justification)
	if strings.TrimSpace(j) == "" {
		return false
	}
	for _, term := range c.cfg.SuspiciousJustificationTerms {
		if strings.Contains(j, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
