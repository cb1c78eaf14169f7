package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/risk"
)

// Generator materializes investigable cases from assessed records. At most
// one case exists per (session, record): re-running a session updates the
// stored score on open cases and never touches terminal ones.
type Generator struct {
	repo      domain.Repository
	rules     risk.RuleLookup
	bus       domain.EventBus
	threshold float64
	logger    *slog.Logger
}

// NewGenerator creates a generator. threshold is the minimum composite
// score that opens a case when no security rule matched. bus may be nil;
// case-created events are then skipped.
func NewGenerator(repo domain.Repository, rules risk.RuleLookup, bus domain.EventBus, threshold float64, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = domain.ThresholdMedium
	}
	return &Generator{
		repo:      repo,
		rules:     rules,
		bus:       bus,
		threshold: threshold,
		logger:    logger,
	}
}

// Eligible reports whether a record warrants a case: analyzable, assessed,
// and either at or above the score threshold or carrying at least one
// security match.
func (g *Generator) Eligible(record *domain.EmailRecord) bool {
	if !record.Analyzable() || record.Assessment == nil {
		return false
	}
	return record.Assessment.CompositeScore >= g.threshold || len(record.RuleMatches) > 0
}

// Generate walks the records and creates or refreshes cases. Returns the
// number of newly created cases. A failure on one record is logged and does
// not abort the rest of the batch.
func (g *Generator) Generate(ctx context.Context, tenantID string, records []*domain.EmailRecord) (int, error) {
	created := 0
	var firstErr error

	for _, record := range records {
		if !g.Eligible(record) {
			continue
		}

		isNew, err := g.upsert(ctx, tenantID, record)
		if err != nil {
			g.logger.Warn("case generation failed",
				"record_id", record.ID,
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if isNew {
			created++
		}
	}

	return created, firstErr
}

// upsert creates the case for a record, or refreshes the stored score when
// an open case already exists. Terminal cases keep their resolved state and
// score.
func (g *Generator) upsert(ctx context.Context, tenantID string, record *domain.EmailRecord) (bool, error) {
	existing, err := g.repo.GetCaseByRecord(ctx, tenantID, record.SessionID, record.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("lookup case for record %s: %w", record.ID, err)
	}

	if existing != nil {
		if existing.Terminal() {
			return false, nil
		}
		existing.Score = record.Assessment.CompositeScore
		existing.Level = record.Assessment.Level
		existing.UpdatedAt = time.Now().UTC()
		if err := g.repo.SaveCase(ctx, tenantID, existing); err != nil {
			return false, fmt.Errorf("update case %s: %w", existing.ID, err)
		}
		return false, nil
	}

	now := time.Now().UTC()
	c := &domain.Case{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		SessionID: record.SessionID,
		RecordID:  record.ID,
		Status:    domain.CaseActive,
		Level:     record.Assessment.Level,
		Score:     record.Assessment.CompositeScore,
		CreatedAt: now,
		UpdatedAt: now,
		History: []domain.StatusNote{
			{At: now, Status: domain.CaseActive, Note: openNote(record)},
		},
	}

	g.applyActions(record, c)

	if err := g.repo.SaveCase(ctx, tenantID, c); err != nil {
		return false, fmt.Errorf("create case for record %s: %w", record.ID, err)
	}

	g.logger.Info("case created",
		"case_id", c.ID,
		"record_id", record.ID,
		"level", c.Level,
		"score", c.Score)

	g.publishCreated(ctx, tenantID, c)
	return true, nil
}

// publishCreated emits a case-created event. Best effort: a bus failure is
// logged and never fails case generation.
func (g *Generator) publishCreated(ctx context.Context, tenantID string, c *domain.Case) {
	if g.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"caseId":    c.ID,
		"sessionId": c.SessionID,
		"recordId":  c.RecordID,
		"level":     c.Level,
		"score":     c.Score,
	})
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, tenantID, domain.TopicCaseCreated, payload); err != nil {
		g.logger.Warn("case created event publish failed",
			"case_id", c.ID,
			"error", err)
	}
}

// applyActions folds matched security-rule actions into a new case:
// escalation, tags, and assignment. Score modifiers were already applied
// during composition.
func (g *Generator) applyActions(record *domain.EmailRecord, c *domain.Case) {
	if g.rules == nil {
		return
	}

	escalate := false
	var escalateNote string
	seen := make(map[string]bool)

	for _, m := range record.RuleMatches {
		rule, ok := g.rules.SecurityRule(m.RuleID)
		if !ok || rule.Actions == nil {
			continue
		}
		a := rule.Actions
		if a.Escalate {
			escalate = true
			if a.FlagMessage != "" {
				escalateNote = a.FlagMessage
			}
		}
		if a.Tag != "" && !seen[a.Tag] {
			seen[a.Tag] = true
			c.Tags = append(c.Tags, a.Tag)
		}
		if a.AssignTo != "" && c.AssignedTo == "" {
			c.AssignedTo = a.AssignTo
		}
	}

	if escalate {
		if escalateNote == "" {
			escalateNote = "auto-escalated by rule action"
		}
		// Transition from Active cannot fail.
		_ = c.Transition(domain.CaseEscalated, "system", escalateNote)
	}
}

// Resolve applies an investigator decision to a case and persists it.
func (g *Generator) Resolve(ctx context.Context, tenantID, caseID string, to domain.CaseStatus, actor, note string) (*domain.Case, error) {
	c, err := g.repo.GetCase(ctx, tenantID, caseID)
	if err != nil {
		return nil, err
	}
	if err := c.Transition(to, actor, note); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStateConflict, err)
	}
	if err := g.repo.SaveCase(ctx, tenantID, c); err != nil {
		return nil, fmt.Errorf("save case %s: %w", caseID, err)
	}
	return c, nil
}

func openNote(record *domain.EmailRecord) string {
	if len(record.RuleMatches) > 0 {
		return fmt.Sprintf("opened on %d security rule match(es)", len(record.RuleMatches))
	}
	return fmt.Sprintf("opened on composite score %.2f", record.Assessment.CompositeScore)
}
