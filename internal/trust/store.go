package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opensource-sec/kestrel/internal/domain"
)

const (
	profileCacheTTL = 5 * time.Minute

	// Rolling window for per-domain communication counters, and the count
	// at which a domain is flagged as unusually chatty.
	frequencyWindow = 24 * time.Hour
	burstThreshold  = 100
)

// Store is the shared domain-profile state for a pipeline run. Profiles are
// created lazily on first sighting; trust updates are read-modify-write
// under a per-domain lock so parallel record scoring cannot lose updates.
// Reads go through the cache; writes go to the repository and refresh the
// cache.
type Store struct {
	repo       domain.Repository
	cache      domain.Cache
	classifier *Classifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-domain
}

// NewStore creates a profile store.
func NewStore(repo domain.Repository, cache domain.Cache, classifier *Classifier) *Store {
	return &Store{
		repo:       repo,
		cache:      cache,
		classifier: classifier,
		locks:      make(map[string]*sync.Mutex),
	}
}

// getProfile reads a profile, mapping a repository miss to a nil profile so
// callers can create lazily.
func (s *Store) getProfile(ctx context.Context, tenantID, name string) (*domain.DomainProfile, error) {
	p, err := s.repo.GetProfile(ctx, tenantID, name)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (s *Store) domainLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

// Get returns the profile for a domain, creating it lazily on first
// sighting. The new profile is classified but carries no observations yet.
func (s *Store) Get(ctx context.Context, tenantID, name string) (*domain.DomainProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, domain.ErrData
	}

	if s.cache != nil {
		if p, err := s.cache.GetProfile(ctx, tenantID, name); err == nil && p != nil {
			return p, nil
		}
	}

	lock := s.domainLock(name)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.getProfile(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &domain.DomainProfile{
			Domain:    name,
			TenantID:  tenantID,
			Category:  s.classifier.Classify(name),
			FirstSeen: time.Now().UTC(),
		}
		p.TrustScore = s.classifier.Score(p, TrustInput{})
		if err := s.repo.SaveProfile(ctx, tenantID, p); err != nil {
			return nil, err
		}
	}

	if s.cache != nil {
		_ = s.cache.SetProfile(ctx, tenantID, p, profileCacheTTL)
	}
	return p, nil
}

// Observation is one scored record's contribution to a domain profile.
type Observation struct {
	Risk    float64
	HasRisk bool
}

// Observe folds a scored record into the domain profile and recomputes the
// trust score. The frequency percentile is supplied by the caller, which
// sees the whole session. Runs under the per-domain lock.
func (s *Store) Observe(ctx context.Context, tenantID, name string, obs Observation, freqPercentile float64) (*domain.DomainProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, domain.ErrData
	}

	lock := s.domainLock(name)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.getProfile(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &domain.DomainProfile{
			Domain:    name,
			TenantID:  tenantID,
			Category:  s.classifier.Classify(name),
			FirstSeen: time.Now().UTC(),
		}
	}

	p.SeenCount++
	if obs.HasRisk {
		p.RisksSummed += obs.Risk
		p.RiskObserved++
		if obs.Risk >= domain.ThresholdHigh {
			p.HighRiskCount++
		}
	}
	p.UpdatedAt = time.Now().UTC()

	if s.cache != nil {
		n, err := s.cache.IncrementCounter(ctx, tenantID, "freq:"+name, frequencyWindow)
		if err == nil && n == burstThreshold {
			slog.Warn("domain communication burst",
				"domain", name,
				"window_count", n,
				"window", frequencyWindow,
			)
		}
	}

	p.TrustScore = s.classifier.Score(p, TrustInput{
		SeenCount:           p.SeenCount,
		FrequencyPercentile: freqPercentile,
		AverageRisk:         p.AverageRisk(),
		HasRiskHistory:      p.RiskObserved > 0,
	})

	if err := s.repo.SaveProfile(ctx, tenantID, p); err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetProfile(ctx, tenantID, p, profileCacheTTL)
	}
	return p, nil
}

// SetManualWhitelist flips the manual-whitelist flag for a domain, creating
// the profile if needed. Whitelisting saturates the trust score to 100;
// un-whitelisting recomputes it from observations.
func (s *Store) SetManualWhitelist(ctx context.Context, tenantID, name string, whitelisted bool, actor, notes string) (*domain.DomainProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, domain.ErrData
	}

	lock := s.domainLock(name)
	lock.Lock()
	defer lock.Unlock()

	p, err := s.getProfile(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &domain.DomainProfile{
			Domain:    name,
			TenantID:  tenantID,
			Category:  s.classifier.Classify(name),
			FirstSeen: time.Now().UTC(),
		}
	}

	p.ManualWhitelist = whitelisted
	p.WhitelistedBy = actor
	if notes != "" {
		p.Notes = notes
	}
	p.UpdatedAt = time.Now().UTC()
	p.TrustScore = s.classifier.Score(p, TrustInput{
		SeenCount:      p.SeenCount,
		AverageRisk:    p.AverageRisk(),
		HasRiskHistory: p.RiskObserved > 0,
	})

	if err := s.repo.SaveProfile(ctx, tenantID, p); err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetProfile(ctx, tenantID, p, profileCacheTTL)
	}

	slog.Info("manual whitelist updated",
		"domain", name,
		"whitelisted", whitelisted,
		"actor", actor,
	)
	return p, nil
}

// Recommendations surfaces whitelist candidates from the tenant's observed
// domain profiles.
func (s *Store) Recommendations(ctx context.Context, tenantID string) ([]Recommendation, error) {
	profiles, err := s.repo.ListProfiles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.classifier.Recommend(profiles), nil
}

// ApplyWhitelist marks non-excluded records whose recipient domain profile
// whitelists them. A subdomain of a manually whitelisted domain also
// matches. Returns the number of records whitelisted.
func (s *Store) ApplyWhitelist(ctx context.Context, tenantID string, records []*domain.EmailRecord) (int, error) {
	count := 0
	for _, record := range records {
		if record.Excluded() || record.RecipientDomain == "" {
			continue
		}
		p, err := s.Get(ctx, tenantID, record.RecipientDomain)
		if err != nil {
			slog.Warn("whitelist lookup failed",
				"record_id", record.ID,
				"domain", record.RecipientDomain,
				"error", err,
			)
			continue
		}
		switch {
		case p != nil && p.ManualWhitelist:
			record.Whitelisted = true
			record.WhitelistReason = manualWhitelistReason(p)
			count++
		case s.classifier.Whitelisted(p):
			record.Whitelisted = true
			record.WhitelistReason = fmt.Sprintf("domain %s trust score %.1f meets the whitelist threshold", p.Domain, p.TrustScore)
			count++
		default:
			if parent := s.whitelistedParent(ctx, tenantID, record.RecipientDomain); parent != nil {
				record.Whitelisted = true
				record.WhitelistReason = fmt.Sprintf("parent %s", manualWhitelistReason(parent))
				count++
			}
		}
	}
	return count, nil
}

// manualWhitelistReason explains a manual whitelist entry, naming the actor
// when one was recorded.
func manualWhitelistReason(p *domain.DomainProfile) string {
	if p.WhitelistedBy != "" {
		return fmt.Sprintf("domain %s manually whitelisted by %s", p.Domain, p.WhitelistedBy)
	}
	return fmt.Sprintf("domain %s manually whitelisted", p.Domain)
}

// whitelistedParent returns the nearest parent domain of name carrying a
// manual whitelist entry (sub.corp.example whitelisted by corp.example), or
// nil when no parent matches.
func (s *Store) whitelistedParent(ctx context.Context, tenantID, name string) *domain.DomainProfile {
	name = strings.ToLower(strings.TrimSpace(name))
	for {
		idx := strings.Index(name, ".")
		if idx < 0 {
			return nil
		}
		name = name[idx+1:]
		if !strings.Contains(name, ".") {
			return nil
		}
		p, err := s.getProfile(ctx, tenantID, name)
		if err == nil && p != nil && p.ManualWhitelist {
			return p
		}
	}
}
