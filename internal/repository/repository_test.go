package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/opensource-sec/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetSession", func(t *testing.T) {
		session := &domain.Session{
			ID:           "sess-001",
			Name:         "june export review",
			CreatedAt:    time.Now().UTC(),
			Status:       domain.SessionUploaded,
			TotalRecords: 42,
		}

		if err := repo.SaveSession(ctx, tenantID, session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		retrieved, err := repo.GetSession(ctx, tenantID, session.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if retrieved.Name != session.Name {
			t.Errorf("expected name %q, got %q", session.Name, retrieved.Name)
		}
		if retrieved.Status != domain.SessionUploaded {
			t.Errorf("expected status uploaded, got %s", retrieved.Status)
		}
		if retrieved.TotalRecords != 42 {
			t.Errorf("expected 42 records, got %d", retrieved.TotalRecords)
		}
	})

	t.Run("SessionCheckpointsAndStats", func(t *testing.T) {
		session := &domain.Session{
			ID:        "sess-002",
			Name:      "checkpoint test",
			CreatedAt: time.Now().UTC(),
			Status:    domain.SessionCompleted,

			ExclusionApplied: true,
			WhitelistApplied: true,
			RulesApplied:     true,
			ScoringApplied:   true,
			CasesGenerated:   true,

			Stats: &domain.SessionStats{
				AnalyzedCount: 30,
				CasesCreated:  4,
				AverageRisk:   0.35,
				ModelUsed:     true,
				Distribution:  map[string]int{"High": 2, "Medium": 2},
			},
		}

		if err := repo.SaveSession(ctx, tenantID, session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		retrieved, err := repo.GetSession(ctx, tenantID, session.ID)
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if !retrieved.CasesGenerated || !retrieved.ScoringApplied {
			t.Error("expected all checkpoints set")
		}
		if retrieved.Stats == nil || retrieved.Stats.CasesCreated != 4 {
			t.Errorf("expected stats round-trip, got %+v", retrieved.Stats)
		}
		if retrieved.Stats.Distribution["High"] != 2 {
			t.Errorf("expected distribution High=2, got %v", retrieved.Stats.Distribution)
		}
	})

	t.Run("SaveAndListRecords", func(t *testing.T) {
		records := []*domain.EmailRecord{
			{
				ID:              "rec-001",
				SessionID:       "sess-001",
				Timestamp:       time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
				Sender:          "alice@corp.example",
				Subject:         "Q2 forecast",
				Attachments:     []string{"forecast.xlsx"},
				RecipientDomain: "partner.example.com",
			},
			{
				ID:              "rec-002",
				SessionID:       "sess-001",
				Timestamp:       time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
				Sender:          "bob@corp.example",
				Subject:         "offboarding docs",
				RecipientDomain: "gmail.com",
				Leaver:          true,
			},
		}

		if err := repo.SaveRecords(ctx, tenantID, records); err != nil {
			t.Fatalf("SaveRecords failed: %v", err)
		}

		listed, err := repo.ListRecords(ctx, tenantID, "sess-001")
		if err != nil {
			t.Fatalf("ListRecords failed: %v", err)
		}
		if len(listed) != 2 {
			t.Fatalf("expected 2 records, got %d", len(listed))
		}
		if listed[0].ID != "rec-001" {
			t.Errorf("expected timestamp order, got %s first", listed[0].ID)
		}
		if !listed[1].Leaver {
			t.Error("expected leaver flag to survive round-trip")
		}
		if len(listed[0].Attachments) != 1 || listed[0].Attachments[0] != "forecast.xlsx" {
			t.Errorf("expected attachments round-trip, got %v", listed[0].Attachments)
		}
	})

	t.Run("RecordDerivedFieldsUpsert", func(t *testing.T) {
		record, err := repo.GetRecord(ctx, tenantID, "sess-001", "rec-002")
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}

		record.ExcludedBy = nil
		record.Whitelisted = true
		record.WhitelistReason = "domain gmail.com manually whitelisted by analyst"
		record.RuleMatches = []domain.RuleMatch{
			{RuleID: "rule-1", RuleName: "leaver to public domain", Severity: domain.SeverityHigh},
		}
		record.Assessment = &domain.RiskAssessment{
			ID:             "assess-001",
			RecordID:       record.ID,
			CompositeScore: 0.72,
			Level:          domain.RiskHigh,
			ModelUsed:      true,
			ScoredAt:       time.Now().UTC(),
		}

		if err := repo.SaveRecords(ctx, tenantID, []*domain.EmailRecord{record}); err != nil {
			t.Fatalf("SaveRecords upsert failed: %v", err)
		}

		retrieved, err := repo.GetRecord(ctx, tenantID, "sess-001", "rec-002")
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}
		if retrieved.Assessment == nil || retrieved.Assessment.CompositeScore != 0.72 {
			t.Errorf("expected assessment round-trip, got %+v", retrieved.Assessment)
		}
		if len(retrieved.RuleMatches) != 1 || retrieved.RuleMatches[0].Severity != domain.SeverityHigh {
			t.Errorf("expected rule match round-trip, got %v", retrieved.RuleMatches)
		}
		if !retrieved.Whitelisted || retrieved.WhitelistReason != record.WhitelistReason {
			t.Errorf("expected whitelist reason round-trip, got %q", retrieved.WhitelistReason)
		}
	})

	t.Run("SaveGetAndDeleteRule", func(t *testing.T) {
		rule := &domain.Rule{
			ID:       "rule-001",
			Name:     "internal recipients",
			Category: domain.RuleExclusion,
			Priority: 10,
			Root: domain.RuleNode{
				Condition: &domain.Condition{
					Field:    "recipients_email_domain",
					Operator: domain.OpEndsWith,
					Value:    "corp.example",
				},
			},
			Enabled: true,
		}

		if err := repo.SaveRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}

		retrieved, err := repo.GetRule(ctx, tenantID, rule.ID)
		if err != nil {
			t.Fatalf("GetRule failed: %v", err)
		}
		if retrieved.Root.Condition == nil || retrieved.Root.Condition.Operator != domain.OpEndsWith {
			t.Errorf("expected rule tree round-trip, got %+v", retrieved.Root)
		}

		if err := repo.DeleteRule(ctx, tenantID, rule.ID); err != nil {
			t.Fatalf("DeleteRule failed: %v", err)
		}

		// Soft delete: still listed, but disabled.
		rules, err := repo.ListRules(ctx, tenantID, domain.RuleExclusion)
		if err != nil {
			t.Fatalf("ListRules failed: %v", err)
		}
		if len(rules) != 1 || rules[0].Enabled {
			t.Errorf("expected one disabled rule, got %+v", rules)
		}
	})

	t.Run("SaveAndGetProfile", func(t *testing.T) {
		profile := &domain.DomainProfile{
			Domain:        "partner.example.com",
			Category:      domain.DomainCorporate,
			TrustScore:    78.5,
			SeenCount:     12,
			HighRiskCount: 2,
			FirstSeen:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}

		if err := repo.SaveProfile(ctx, tenantID, profile); err != nil {
			t.Fatalf("SaveProfile failed: %v", err)
		}

		retrieved, err := repo.GetProfile(ctx, tenantID, profile.Domain)
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}
		if retrieved.TrustScore != 78.5 || retrieved.Category != domain.DomainCorporate {
			t.Errorf("expected profile round-trip, got %+v", retrieved)
		}
		if retrieved.HighRiskCount != 2 {
			t.Errorf("HighRiskCount = %d, want 2", retrieved.HighRiskCount)
		}
	})

	t.Run("AttachmentKeywords", func(t *testing.T) {
		kw := &domain.AttachmentKeyword{
			ID:       "kw-001",
			Keyword:  "payroll",
			Category: "Suspicious",
			Risk:     0.6,
			Enabled:  true,
		}
		if err := repo.SaveKeyword(ctx, tenantID, kw); err != nil {
			t.Fatalf("SaveKeyword failed: %v", err)
		}

		keywords, err := repo.ListKeywords(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListKeywords failed: %v", err)
		}
		if len(keywords) != 1 || keywords[0].Keyword != "payroll" {
			t.Errorf("expected one keyword, got %+v", keywords)
		}

		// Disabled keywords drop out of the listing.
		kw.Enabled = false
		if err := repo.SaveKeyword(ctx, tenantID, kw); err != nil {
			t.Fatalf("SaveKeyword update failed: %v", err)
		}
		keywords, _ = repo.ListKeywords(ctx, tenantID)
		if len(keywords) != 0 {
			t.Errorf("expected no enabled keywords, got %+v", keywords)
		}
	})

	t.Run("SaveGetAndListCases", func(t *testing.T) {
		c := &domain.Case{
			ID:        "case-001",
			SessionID: "sess-001",
			RecordID:  "rec-002",
			Status:    domain.CaseActive,
			Level:     domain.RiskHigh,
			Score:     0.72,
			Tags:      []string{"leaver"},
			History: []domain.StatusNote{
				{At: time.Now().UTC(), Status: domain.CaseActive},
			},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}

		if err := repo.SaveCase(ctx, tenantID, c); err != nil {
			t.Fatalf("SaveCase failed: %v", err)
		}

		byRecord, err := repo.GetCaseByRecord(ctx, tenantID, "sess-001", "rec-002")
		if err != nil {
			t.Fatalf("GetCaseByRecord failed: %v", err)
		}
		if byRecord.ID != c.ID {
			t.Errorf("expected case %s, got %s", c.ID, byRecord.ID)
		}

		if err := c.Transition(domain.CaseEscalated, "analyst", "confirmed exfil attempt"); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if err := repo.SaveCase(ctx, tenantID, c); err != nil {
			t.Fatalf("SaveCase upsert failed: %v", err)
		}

		retrieved, err := repo.GetCase(ctx, tenantID, c.ID)
		if err != nil {
			t.Fatalf("GetCase failed: %v", err)
		}
		if retrieved.Status != domain.CaseEscalated {
			t.Errorf("expected Escalated, got %s", retrieved.Status)
		}
		if retrieved.EscalatedAt == nil {
			t.Error("expected escalated_at to survive round-trip")
		}
		if len(retrieved.History) != 2 {
			t.Errorf("expected 2 history entries, got %d", len(retrieved.History))
		}

		cases, err := repo.ListCases(ctx, tenantID, "sess-001")
		if err != nil {
			t.Fatalf("ListCases failed: %v", err)
		}
		if len(cases) != 1 {
			t.Errorf("expected 1 case, got %d", len(cases))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "tenant-002"

		if _, err := repo.GetSession(ctx, otherTenant, "sess-001"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
		if _, err := repo.GetCase(ctx, otherTenant, "case-001"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound across tenants, got %v", err)
		}
		records, err := repo.ListRecords(ctx, otherTenant, "sess-001")
		if err != nil {
			t.Fatalf("ListRecords failed: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("expected no records for other tenant, got %d", len(records))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetRule(ctx, tenantID, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetProfile(ctx, tenantID, "missing.example"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := repo.DeleteRule(ctx, tenantID, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("EmptyTenantRejected", func(t *testing.T) {
		if err := repo.SaveSession(ctx, "", &domain.Session{ID: "x"}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
