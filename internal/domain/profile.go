package domain

import "time"

// DomainCategory classifies a recipient domain.
type DomainCategory string

const (
	DomainCorporate  DomainCategory = "corporate"
	DomainPublic     DomainCategory = "public"
	DomainSuspicious DomainCategory = "suspicious"
	DomainUnknown    DomainCategory = "unknown"
)

// Prior returns the category's trust prior on the 0-100 scale. Corporate
// ranks highest, suspicious lowest.
func (c DomainCategory) Prior() float64 {
	switch c {
	case DomainCorporate:
		return 100
	case DomainPublic:
		return 40
	case DomainSuspicious:
		return 0
	default:
		return 50
	}
}

// DomainProfile is the reputation state for one recipient domain. Profiles
// are created lazily on first sighting and recomputed whenever new records
// referencing the domain are scored.
type DomainProfile struct {
	Domain     string         `json:"domain"`
	TenantID   string         `json:"tenantId,omitempty"`
	Category   DomainCategory `json:"category"`
	TrustScore float64        `json:"trustScore"` // 0-100

	// ManualWhitelist saturates the trust score to 100 and bypasses
	// anomaly scoring and case generation.
	ManualWhitelist bool   `json:"manualWhitelist"`
	WhitelistedBy   string `json:"whitelistedBy,omitempty"`
	Notes           string `json:"notes,omitempty"`

	// Observation counters folded in as records are scored
	SeenCount     int     `json:"seenCount"`
	RisksSummed   float64 `json:"risksSummed"`
	RiskObserved  int     `json:"riskObserved"`
	HighRiskCount int     `json:"highRiskCount"`

	FirstSeen time.Time `json:"firstSeen,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// AverageRisk returns the mean composite risk previously observed for the
// domain, or 0 when nothing has been scored yet.
func (p *DomainProfile) AverageRisk() float64 {
	if p.RiskObserved == 0 {
		return 0
	}
	return p.RisksSummed / float64(p.RiskObserved)
}

// HighRiskRatio returns the fraction of sightings that scored at or above
// the high risk threshold, or 0 when the domain has never been seen.
func (p *DomainProfile) HighRiskRatio() float64 {
	if p.SeenCount == 0 {
		return 0
	}
	return float64(p.HighRiskCount) / float64(p.SeenCount)
}
