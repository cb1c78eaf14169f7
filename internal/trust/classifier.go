// Package trust provides domain classification, trust scoring, and
// whitelist filtering.
package trust

import (
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/opensource-sec/kestrel/internal/domain"
)

// Classifier categorizes recipient domains and computes trust scores.
// Classification is ordered: exact overrides, then suffix patterns, then
// free-form TLD heuristics, with unknown as the fallback.
type Classifier struct {
	cfg domain.ClassifierConfig
}

// NewClassifier creates a classifier from configuration.
func NewClassifier(cfg domain.ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify returns the category for a domain.
func (c *Classifier) Classify(name string) domain.DomainCategory {
	d := strings.ToLower(strings.TrimSpace(name))
	if d == "" {
		return domain.DomainUnknown
	}

	if cat, ok := c.cfg.Overrides[d]; ok {
		return cat
	}

	if matchSuffix(d, c.cfg.SuspiciousSuffixes) {
		return domain.DomainSuspicious
	}
	if matchSuffix(d, c.cfg.PublicSuffixes) {
		return domain.DomainPublic
	}
	if matchSuffix(d, c.cfg.CorporateSuffixes) {
		return domain.DomainCorporate
	}

	// TLD heuristics for anything the pattern tables miss: a bare
	// two-label name on an uncommon TLD is treated as suspicious, common
	// commercial TLDs as corporate.
	labels := strings.Split(d, ".")
	tld := "." + labels[len(labels)-1]
	switch tld {
	case ".com", ".org", ".net", ".io", ".co":
		return domain.DomainCorporate
	}
	if len(labels) == 2 {
		return domain.DomainSuspicious
	}
	return domain.DomainUnknown
}

func matchSuffix(d string, suffixes []string) bool {
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if d == s || strings.HasSuffix(d, s) || strings.HasSuffix(d, "."+s) {
			return true
		}
	}
	return false
}

// TrustInput carries the session-scoped observations a trust score is
// computed from.
type TrustInput struct {
	// SeenCount is the domain's communication count within the session.
	SeenCount int

	// FrequencyPercentile is the domain's rank among session domains by
	// communication count, in [0,1].
	FrequencyPercentile float64

	// AverageRisk is the mean composite risk previously observed, in [0,1].
	AverageRisk float64

	// HasRiskHistory is false when nothing has been scored yet; the risk
	// component then contributes its neutral midpoint.
	HasRiskHistory bool
}

// Score computes the 0-100 trust score: communication-frequency percentile,
// inverse of observed risk, category prior, and manual-whitelist component,
// weighted per configuration. A manual whitelist saturates the score to 100.
func (c *Classifier) Score(profile *domain.DomainProfile, in TrustInput) float64 {
	if profile.ManualWhitelist {
		return 100
	}

	riskComponent := 50.0
	if in.HasRiskHistory {
		riskComponent = (1 - clamp01(in.AverageRisk)) * 100
	}

	score := c.cfg.FrequencyWeight*clamp01(in.FrequencyPercentile)*100 +
		c.cfg.RiskWeight*riskComponent +
		c.cfg.CategoryWeight*profile.Category.Prior()
	// Whitelist component is zero for non-whitelisted domains; the weight
	// stays in the formula so the configured shares sum to 1.

	return math.Max(0, math.Min(100, score))
}

// Whitelisted reports whether a profile whitelists records sent to its
// domain: either a manual entry or a trust score above the configured
// threshold.
func (c *Classifier) Whitelisted(profile *domain.DomainProfile) bool {
	if profile == nil {
		return false
	}
	if profile.ManualWhitelist {
		return true
	}
	return c.cfg.WhitelistTrustThreshold > 0 && profile.TrustScore >= c.cfg.WhitelistTrustThreshold
}

// FrequencyPercentiles ranks domains by session communication count and
// returns each domain's percentile in [0,1]. Deterministic: ties are broken
// by domain name.
func FrequencyPercentiles(counts map[string]int) map[string]float64 {
	if len(counts) == 0 {
		return nil
	}

	domains := make([]string, 0, len(counts))
	for d := range counts {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool {
		if counts[domains[i]] != counts[domains[j]] {
			return counts[domains[i]] < counts[domains[j]]
		}
		return domains[i] < domains[j]
	})

	percentiles := make(map[string]float64, len(domains))
	if len(domains) == 1 {
		percentiles[domains[0]] = 1
		return percentiles
	}
	for i, d := range domains {
		percentiles[d] = float64(i) / float64(len(domains)-1)
	}
	return percentiles
}

// Recommendation is a whitelist candidate surfaced from session analysis.
type Recommendation struct {
	Domain     string                `json:"domain"`
	Category   domain.DomainCategory `json:"category"`
	TrustScore float64               `json:"trustScore"`
	SeenCount  int                   `json:"seenCount"`
	AvgRisk    float64               `json:"avgRisk"`
	Confidence string                `json:"confidence"` // High, Medium, Low
	Reason     string                `json:"reason"`
}

// Recommend surfaces domains worth whitelisting: frequent, consistently
// low-risk, trusted, and not already whitelisted. Sorted by trust score then
// communication count, descending.
func (c *Classifier) Recommend(profiles []*domain.DomainProfile) []Recommendation {
	var recs []Recommendation
	for _, p := range profiles {
		if p.ManualWhitelist {
			continue
		}
		avgRisk := p.AverageRisk()
		if p.SeenCount < 3 || avgRisk >= 0.4 || p.TrustScore < 60 {
			continue
		}
		// Domains with a meaningful share of high-risk sends are never
		// candidates, even when the average looks benign.
		if p.HighRiskRatio() >= 0.2 {
			continue
		}

		confidence := "High"
		switch {
		case p.TrustScore < 70 || avgRisk > 0.2:
			confidence = "Medium"
		case p.SeenCount < 5:
			confidence = "Low"
		}

		recs = append(recs, Recommendation{
			Domain:     p.Domain,
			Category:   p.Category,
			TrustScore: p.TrustScore,
			SeenCount:  p.SeenCount,
			AvgRisk:    avgRisk,
			Confidence: confidence,
			Reason:     recommendReason(p, avgRisk),
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].TrustScore != recs[j].TrustScore {
			return recs[i].TrustScore > recs[j].TrustScore
		}
		return recs[i].SeenCount > recs[j].SeenCount
	})

	slog.Debug("whitelist recommendations computed", "count", len(recs))
	return recs
}

func recommendReason(p *domain.DomainProfile, avgRisk float64) string {
	var reasons []string
	if p.SeenCount >= 10 {
		reasons = append(reasons, "high communication volume")
	}
	if avgRisk < 0.2 {
		reasons = append(reasons, "consistently low risk")
	}
	if p.TrustScore >= 80 {
		reasons = append(reasons, "high trust score")
	}
	if p.Category == domain.DomainCorporate {
		reasons = append(reasons, "corporate domain")
	}
	if len(reasons) == 0 {
		return "meets standard whitelist criteria"
	}
	return strings.Join(reasons, "; ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
