// Package pipeline orchestrates the staged assessment of a session:
// exclusion, whitelist, security rules, anomaly scoring, risk composition,
// and case generation. Each stage checkpoints into the session so a failed
// run resumes where it stopped instead of redoing finished work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-sec/kestrel/internal/anomaly"
	"github.com/opensource-sec/kestrel/internal/cases"
	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/features"
	"github.com/opensource-sec/kestrel/internal/risk"
	"github.com/opensource-sec/kestrel/internal/rules"
	"github.com/opensource-sec/kestrel/internal/trust"
)

var tracer = otel.Tracer("kestrel-pipeline")

// Pipeline runs session assessments. Safe for concurrent use across
// different sessions; concurrent runs on the same session are rejected.
type Pipeline struct {
	cfg    *domain.Config
	repo   domain.Repository
	bus    domain.EventBus
	engine *rules.Engine
	trust  *trust.Store
	logger *slog.Logger

	locks *sessionLocks
}

// New creates a pipeline. bus may be nil; completion events are then
// skipped.
func New(cfg *domain.Config, repo domain.Repository, bus domain.EventBus, engine *rules.Engine, trustStore *trust.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:    cfg,
		repo:   repo,
		bus:    bus,
		engine: engine,
		trust:  trustStore,
		logger: logger,
		locks:  newSessionLocks(),
	}
}

// Run processes one session end to end and returns the updated session.
// A concurrent run on the same session gets a retryable state-conflict
// error. Stage failures mark the session errored but keep every result
// persisted so far.
func (p *Pipeline) Run(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	if err := p.locks.Acquire(sessionID); err != nil {
		return nil, err
	}
	defer p.locks.Release(sessionID)

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("session.id", sessionID),
		),
	)
	defer span.End()

	start := time.Now()

	session, err := p.repo.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	records, err := p.repo.ListRecords(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load records for %s: %w", sessionID, err)
	}

	session.Status = domain.SessionProcessing
	session.ErrMessage = ""
	session.TotalRecords = len(records)
	if err := p.repo.SaveSession(ctx, tenantID, session); err != nil {
		return nil, fmt.Errorf("mark session processing: %w", err)
	}

	if err := p.loadRules(ctx, tenantID); err != nil {
		return p.fail(ctx, tenantID, session, err)
	}

	if err := p.runStages(ctx, tenantID, session, records, start); err != nil {
		return p.fail(ctx, tenantID, session, err)
	}

	session.Status = domain.SessionCompleted
	session.ProcessedRecords = len(records)
	if err := p.repo.SaveSession(ctx, tenantID, session); err != nil {
		return nil, fmt.Errorf("mark session completed: %w", err)
	}

	p.publishCompleted(ctx, tenantID, session)

	p.logger.Info("session completed",
		"tenant_id", tenantID,
		"session_id", sessionID,
		"records", len(records),
		"duration_ms", time.Since(start).Milliseconds())

	return session, nil
}

func (p *Pipeline) runStages(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord, start time.Time) error {
	if !session.ExclusionApplied {
		if err := p.stageExclusion(ctx, tenantID, session, records); err != nil {
			return err
		}
	}
	if !session.WhitelistApplied {
		if err := p.stageWhitelist(ctx, tenantID, session, records); err != nil {
			return err
		}
	}
	if !session.RulesApplied {
		if err := p.stageSecurityRules(ctx, tenantID, session, records); err != nil {
			return err
		}
	}

	modelUsed, anomalyCount := false, 0
	if !session.ScoringApplied {
		var err error
		modelUsed, anomalyCount, err = p.stageScoring(ctx, tenantID, session, records)
		if err != nil {
			return err
		}
	} else if session.Stats != nil {
		// Resumed past scoring: carry the recorded model state forward.
		modelUsed = session.Stats.ModelUsed
		anomalyCount = int(session.Stats.AnomalyRate * float64(session.Stats.AnalyzedCount))
	}

	created := 0
	if !session.CasesGenerated {
		var err error
		created, err = p.stageCases(ctx, tenantID, session, records)
		if err != nil {
			return err
		}
	}

	session.Stats = p.buildStats(records, modelUsed, anomalyCount, created, start)
	return nil
}

func (p *Pipeline) loadRules(ctx context.Context, tenantID string) error {
	ruleSet, err := p.repo.ListRules(ctx, tenantID, "")
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	p.engine.LoadRules(ruleSet)
	return nil
}

// stageExclusion removes known-good records from analysis.
func (p *Pipeline) stageExclusion(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord) error {
	ctx, span := tracer.Start(ctx, "pipeline.exclusion")
	defer span.End()

	excluded := p.engine.ApplyExclusions(ctx, records)
	span.SetAttributes(attribute.Int("records.excluded", excluded))

	session.ExclusionApplied = true
	return p.checkpoint(ctx, tenantID, session, records)
}

// stageWhitelist marks records whose recipient domain is trusted.
func (p *Pipeline) stageWhitelist(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord) error {
	ctx, span := tracer.Start(ctx, "pipeline.whitelist")
	defer span.End()

	candidates := make([]*domain.EmailRecord, 0, len(records))
	for _, r := range records {
		if !r.Excluded() {
			candidates = append(candidates, r)
		}
	}

	whitelisted, err := p.trust.ApplyWhitelist(ctx, tenantID, candidates)
	if err != nil {
		return fmt.Errorf("apply whitelist: %w", err)
	}
	span.SetAttributes(attribute.Int("records.whitelisted", whitelisted))

	session.WhitelistApplied = true
	return p.checkpoint(ctx, tenantID, session, records)
}

// stageSecurityRules evaluates security rules per record. Evaluation is
// pure per record, so records fan out across a bounded worker group.
func (p *Pipeline) stageSecurityRules(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord) error {
	ctx, span := tracer.Start(ctx, "pipeline.security_rules")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())

	for _, record := range records {
		if !record.Analyzable() {
			continue
		}
		record := record
		g.Go(func() error {
			record.RuleMatches = p.engine.ApplySecurity(gctx, record)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("security rules: %w", err)
	}

	session.RulesApplied = true
	return p.checkpoint(ctx, tenantID, session, records)
}

// stageScoring fits the anomaly model, composes per-record risk, and folds
// the observed risk back into domain profiles. Model failures degrade to
// rule-only composition instead of aborting the run. Returns whether the
// model was used and how many records scored above the anomaly threshold.
func (p *Pipeline) stageScoring(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord) (bool, int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.scoring")
	defer span.End()

	analyzable := make([]*domain.EmailRecord, 0, len(records))
	for _, r := range records {
		if r.Analyzable() {
			analyzable = append(analyzable, r)
		}
	}
	if len(analyzable) == 0 {
		session.ScoringApplied = true
		return false, 0, p.checkpoint(ctx, tenantID, session, records)
	}

	keywords, err := p.repo.ListKeywords(ctx, tenantID)
	if err != nil {
		return false, 0, fmt.Errorf("load keywords: %w", err)
	}
	builder := features.NewBuilder(p.cfg.Features, keywords)

	trustScores, freqPercentiles, err := p.trustScores(ctx, tenantID, analyzable)
	if err != nil {
		return false, 0, err
	}

	vectors := builder.Build(analyzable, trustScores)
	matrix := make([][]float64, len(vectors))
	for i, v := range vectors {
		matrix[i] = v.Values
	}

	detector := anomaly.New(p.cfg.Anomaly)
	modelUsed := true
	if err := detector.Fit(matrix); err != nil {
		if !errors.Is(err, domain.ErrModel) {
			return false, 0, fmt.Errorf("fit anomaly model: %w", err)
		}
		p.logger.Warn("anomaly model skipped",
			"session_id", session.ID,
			"reason", err.Error())
		modelUsed = false
	}

	scores := make([]float64, len(analyzable))
	anomalyCount := 0
	if modelUsed {
		scores = detector.ScoreBatch(matrix)
		threshold := detector.Threshold()
		for i := range matrix {
			if detector.Score(matrix[i]) > threshold {
				anomalyCount++
			}
		}
	}
	span.SetAttributes(
		attribute.Bool("model.used", modelUsed),
		attribute.Int("records.scored", len(analyzable)),
	)

	composer := risk.NewComposer(p.cfg.Scoring, p.engine)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, record := range analyzable {
		i, record := i, record
		g.Go(func() error {
			trustScore := -1.0
			if t, ok := trustScores[strings.ToLower(record.RecipientDomain)]; ok {
				trustScore = t
			}
			record.Assessment = composer.Compose(risk.Input{
				Record:         record,
				AnomalyScore:   scores[i],
				ModelUsed:      modelUsed,
				AttachmentRisk: builder.AttachmentRisk(record.Attachments),
				TrustScore:     trustScore,
			})
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return modelUsed, anomalyCount, fmt.Errorf("compose risk: %w", err)
	}

	p.publishAssessed(ctx, tenantID, analyzable)

	if err := p.observeDomains(ctx, tenantID, analyzable, freqPercentiles); err != nil {
		return modelUsed, anomalyCount, err
	}

	session.ScoringApplied = true
	return modelUsed, anomalyCount, p.checkpoint(ctx, tenantID, session, records)
}

// stageCases materializes cases from assessed records.
func (p *Pipeline) stageCases(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord) (int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.cases")
	defer span.End()

	generator := cases.NewGenerator(p.repo, p.engine, p.bus, p.cfg.Scoring.CaseThreshold, p.logger)
	created, err := generator.Generate(ctx, tenantID, records)
	if err != nil {
		return created, fmt.Errorf("generate cases: %w", err)
	}
	span.SetAttributes(attribute.Int("cases.created", created))

	session.CasesGenerated = true
	return created, p.checkpoint(ctx, tenantID, session, records)
}

// trustScores resolves profiles for every distinct recipient domain in the
// batch and returns trust scores plus within-session frequency percentiles,
// both keyed by lowercase domain.
func (p *Pipeline) trustScores(ctx context.Context, tenantID string, records []*domain.EmailRecord) (map[string]float64, map[string]float64, error) {
	counts := make(map[string]int)
	for _, r := range records {
		name := strings.ToLower(strings.TrimSpace(r.RecipientDomain))
		if name != "" {
			counts[name]++
		}
	}

	percentiles := trust.FrequencyPercentiles(counts)

	scores := make(map[string]float64, len(counts))
	for name := range counts {
		profile, err := p.trust.Get(ctx, tenantID, name)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve domain %s: %w", name, err)
		}
		scores[name] = profile.TrustScore
	}

	return scores, percentiles, nil
}

// observeDomains folds the composed risk of each record into its recipient
// domain's profile.
func (p *Pipeline) observeDomains(ctx context.Context, tenantID string, records []*domain.EmailRecord, freqPercentiles map[string]float64) error {
	for _, record := range records {
		name := strings.ToLower(strings.TrimSpace(record.RecipientDomain))
		if name == "" || record.Assessment == nil {
			continue
		}
		obs := trust.Observation{
			Risk:    record.Assessment.CompositeScore,
			HasRisk: true,
		}
		if _, err := p.trust.Observe(ctx, tenantID, name, obs, freqPercentiles[name]); err != nil {
			return fmt.Errorf("observe domain %s: %w", name, err)
		}
	}
	return nil
}

// checkpoint persists records and the session stage flags together so a
// resumed run sees consistent state.
func (p *Pipeline) checkpoint(ctx context.Context, tenantID string, session *domain.Session, records []*domain.EmailRecord) error {
	if err := p.repo.SaveRecords(ctx, tenantID, records); err != nil {
		return fmt.Errorf("checkpoint records: %w", err)
	}
	if err := p.repo.SaveSession(ctx, tenantID, session); err != nil {
		return fmt.Errorf("checkpoint session: %w", err)
	}
	return nil
}

func (p *Pipeline) buildStats(records []*domain.EmailRecord, modelUsed bool, anomalyCount, casesCreated int, start time.Time) *domain.SessionStats {
	stats := &domain.SessionStats{
		ModelUsed:    modelUsed,
		CasesCreated: casesCreated,
		Distribution: make(map[string]int),
		DurationMs:   time.Since(start).Milliseconds(),
	}

	riskSum := 0.0
	for _, r := range records {
		switch {
		case r.Excluded():
			stats.ExcludedCount++
		case r.Whitelisted:
			stats.WhitelistedCount++
		default:
			stats.AnalyzedCount++
			stats.SecurityMatches += len(r.RuleMatches)
			if r.Assessment != nil {
				riskSum += r.Assessment.CompositeScore
				stats.Distribution[string(r.Assessment.Level)]++
			}
		}
	}
	if stats.AnalyzedCount > 0 {
		stats.AverageRisk = riskSum / float64(stats.AnalyzedCount)
		stats.AnomalyRate = float64(anomalyCount) / float64(stats.AnalyzedCount)
	}

	return stats
}

func (p *Pipeline) fail(ctx context.Context, tenantID string, session *domain.Session, cause error) (*domain.Session, error) {
	session.Status = domain.SessionError
	session.ErrMessage = cause.Error()
	if err := p.repo.SaveSession(ctx, tenantID, session); err != nil {
		p.logger.Error("failed to persist session error state",
			"session_id", session.ID,
			"error", err)
	}
	return session, cause
}

// publishAssessed emits one event per scored record. Best effort: a bus
// failure is logged and stops the batch without failing the stage.
func (p *Pipeline) publishAssessed(ctx context.Context, tenantID string, records []*domain.EmailRecord) {
	if p.bus == nil {
		return
	}
	for _, r := range records {
		if r.Assessment == nil {
			continue
		}
		payload, err := json.Marshal(map[string]any{
			"recordId":  r.ID,
			"sessionId": r.SessionID,
			"score":     r.Assessment.CompositeScore,
			"level":     r.Assessment.Level,
		})
		if err != nil {
			continue
		}
		if err := p.bus.Publish(ctx, tenantID, domain.TopicRecordAssessed, payload); err != nil {
			p.logger.Warn("failed to publish record assessment",
				"record_id", r.ID,
				"error", err)
			return
		}
	}
}

func (p *Pipeline) publishCompleted(ctx context.Context, tenantID string, session *domain.Session) {
	if p.bus == nil {
		return
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, tenantID, domain.TopicSessionCompleted, payload); err != nil {
		p.logger.Warn("failed to publish session completion",
			"session_id", session.ID,
			"error", err)
	}

	if session.Stats != nil && session.Stats.Distribution[string(domain.RiskCritical)] > 0 {
		if err := p.bus.Publish(ctx, tenantID, domain.TopicAlert, payload); err != nil {
			p.logger.Warn("failed to publish alert",
				"session_id", session.ID,
				"error", err)
		}
	}
}

func (p *Pipeline) workers() int {
	if p.cfg.Pipeline.Workers > 0 {
		return p.cfg.Pipeline.Workers
	}
	return 8
}
