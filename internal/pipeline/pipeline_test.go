package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opensource-sec/kestrel/internal/bus"
	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/repository"
	"github.com/opensource-sec/kestrel/internal/rules"
	"github.com/opensource-sec/kestrel/internal/trust"
)

const testTenant = "tenant-001"

func newTestPipeline(t *testing.T) (*Pipeline, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig()

	exprs, err := rules.NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create CEL evaluator: %v", err)
	}
	engine := rules.NewEngine(exprs, rules.EvaluatorOptions{FoldExactMatch: true})

	classifier := trust.NewClassifier(cfg.Classifier)
	store := trust.NewStore(repo, nil, classifier)

	return New(cfg, repo, nil, engine, store, nil), repo
}

func seedSession(t *testing.T, repo domain.Repository, records []*domain.EmailRecord) *domain.Session {
	t.Helper()
	ctx := context.Background()

	session := &domain.Session{
		ID:           "sess-001",
		Name:         "test batch",
		CreatedAt:    time.Now().UTC(),
		Status:       domain.SessionUploaded,
		TotalRecords: len(records),
	}
	if err := repo.SaveSession(ctx, testTenant, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := repo.SaveRecords(ctx, testTenant, records); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}
	return session
}

func seedRules(t *testing.T, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()

	exclusion := &domain.Rule{
		ID:       "rule-internal",
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
	security := &domain.Rule{
		ID:       "rule-leaver",
		Name:     "leaver external send",
		Category: domain.RuleSecurity,
		Severity: domain.SeverityHigh,
		Priority: 5,
		Root: domain.RuleNode{
			Condition: &domain.Condition{
				Field:    "leaver",
				Operator: domain.OpEquals,
				Value:    "true",
			},
		},
		Enabled: true,
	}
	for _, rule := range []*domain.Rule{exclusion, security} {
		if err := repo.SaveRule(ctx, testTenant, rule); err != nil {
			t.Fatalf("SaveRule failed: %v", err)
		}
	}
}

// batchRecords builds a batch with enough size and variance to fit the
// anomaly model: one internal send (excluded), one leaver to a public
// domain, and ordinary partner traffic.
func batchRecords(n int) []*domain.EmailRecord {
	records := make([]*domain.EmailRecord, 0, n)

	records = append(records, &domain.EmailRecord{
		ID:              "rec-internal",
		SessionID:       "sess-001",
		Timestamp:       time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		Sender:          "alice@corp.example",
		Subject:         "minutes",
		RecipientDomain: "hr.corp.example",
	})
	records = append(records, &domain.EmailRecord{
		ID:              "rec-leaver",
		SessionID:       "sess-001",
		Timestamp:       time.Date(2025, 6, 2, 23, 30, 0, 0, time.UTC),
		Sender:          "bob@corp.example",
		Subject:         "backup of my files",
		Attachments:     []string{"everything.zip"},
		RecipientDomain: "gmail.com",
		Leaver:          true,
	})
	for i := len(records); i < n; i++ {
		records = append(records, &domain.EmailRecord{
			ID:              fmt.Sprintf("rec-%03d", i),
			SessionID:       "sess-001",
			Timestamp:       time.Date(2025, 6, 2, 8+i%9, 15*(i%4), 0, 0, time.UTC),
			Sender:          fmt.Sprintf("user%d@corp.example", i),
			Subject:         fmt.Sprintf("order update %d", i),
			RecipientDomain: "partner.example.com",
		})
	}
	return records
}

func TestPipelineEndToEnd(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	seedRules(t, repo)
	seedSession(t, repo, batchRecords(16))

	session, err := p.Run(ctx, testTenant, "sess-001")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Status != domain.SessionCompleted {
		t.Errorf("expected completed, got %s (%s)", session.Status, session.ErrMessage)
	}
	for name, applied := range map[string]bool{
		"exclusion": session.ExclusionApplied,
		"whitelist": session.WhitelistApplied,
		"rules":     session.RulesApplied,
		"scoring":   session.ScoringApplied,
		"cases":     session.CasesGenerated,
	} {
		if !applied {
			t.Errorf("expected %s checkpoint set", name)
		}
	}

	stats := session.Stats
	if stats == nil {
		t.Fatal("expected session stats")
	}
	if stats.ExcludedCount != 1 {
		t.Errorf("expected 1 excluded, got %d", stats.ExcludedCount)
	}
	if stats.AnalyzedCount != 15 {
		t.Errorf("expected 15 analyzed, got %d", stats.AnalyzedCount)
	}
	if !stats.ModelUsed {
		t.Error("expected anomaly model to be used")
	}
	if stats.SecurityMatches != 1 {
		t.Errorf("expected 1 security match, got %d", stats.SecurityMatches)
	}

	// The internal send was excluded before scoring.
	internal, err := repo.GetRecord(ctx, testTenant, "sess-001", "rec-internal")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !internal.Excluded() || internal.Assessment != nil {
		t.Errorf("expected excluded unscored record, got %+v", internal)
	}

	// The leaver hit the security rule: severity floor High, so a case.
	leaver, err := repo.GetRecord(ctx, testTenant, "sess-001", "rec-leaver")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if leaver.Assessment == nil {
		t.Fatal("expected leaver record scored")
	}
	if leaver.Assessment.CompositeScore < 0.6 {
		t.Errorf("expected severity floor 0.6, got %f", leaver.Assessment.CompositeScore)
	}

	c, err := repo.GetCaseByRecord(ctx, testTenant, "sess-001", "rec-leaver")
	if err != nil {
		t.Fatalf("expected case for leaver record: %v", err)
	}
	if c.Status != domain.CaseActive {
		t.Errorf("expected Active case, got %s", c.Status)
	}

	// Domain profiles were created and observed.
	profile, err := repo.GetProfile(ctx, testTenant, "partner.example.com")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if profile.SeenCount == 0 {
		t.Error("expected observations folded into the partner profile")
	}
}

func TestPipelineRerunDoesNotDuplicateCases(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	seedRules(t, repo)
	seedSession(t, repo, batchRecords(16))

	if _, err := p.Run(ctx, testTenant, "sess-001"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := p.Run(ctx, testTenant, "sess-001"); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	casesList, err := repo.ListCases(ctx, testTenant, "sess-001")
	if err != nil {
		t.Fatalf("ListCases failed: %v", err)
	}
	if len(casesList) != 1 {
		t.Errorf("expected 1 case after re-run, got %d", len(casesList))
	}
}

func TestPipelineSmallBatchFallsBackToRules(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	seedRules(t, repo)
	seedSession(t, repo, batchRecords(5)) // below the minimum training sample

	session, err := p.Run(ctx, testTenant, "sess-001")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if session.Status != domain.SessionCompleted {
		t.Fatalf("expected completed, got %s (%s)", session.Status, session.ErrMessage)
	}
	if session.Stats.ModelUsed {
		t.Error("expected model skipped on small batch")
	}

	// Records are still scored from rule factors.
	leaver, err := repo.GetRecord(ctx, testTenant, "sess-001", "rec-leaver")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if leaver.Assessment == nil || leaver.Assessment.ModelUsed {
		t.Errorf("expected rule-only assessment, got %+v", leaver.Assessment)
	}
	if leaver.Assessment.CompositeScore < 0.6 {
		t.Errorf("expected severity floor despite missing model, got %f", leaver.Assessment.CompositeScore)
	}
}

func TestPipelineWhitelistSkipsScoring(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	seedRules(t, repo)
	records := batchRecords(16)
	seedSession(t, repo, records)

	// Manually whitelist the partner domain before the run.
	classifier := trust.NewClassifier(domain.DefaultConfig().Classifier)
	store := trust.NewStore(repo, nil, classifier)
	if _, err := store.SetManualWhitelist(ctx, testTenant, "partner.example.com", true, "secops", ""); err != nil {
		t.Fatalf("SetManualWhitelist failed: %v", err)
	}

	session, err := p.Run(ctx, testTenant, "sess-001")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if session.Stats.WhitelistedCount != 14 {
		t.Errorf("expected 14 whitelisted, got %d", session.Stats.WhitelistedCount)
	}

	// Whitelisted records carry no assessment and no case.
	rec, err := repo.GetRecord(ctx, testTenant, "sess-001", "rec-003")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !rec.Whitelisted || rec.Assessment != nil {
		t.Errorf("expected whitelisted unscored record, got %+v", rec)
	}
	if _, err := repo.GetCaseByRecord(ctx, testTenant, "sess-001", "rec-003"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected no case for whitelisted record, got %v", err)
	}
}

func TestPipelineSessionLockRejectsConcurrentRun(t *testing.T) {
	p, repo := newTestPipeline(t)
	ctx := context.Background()

	seedSession(t, repo, batchRecords(3))

	if err := p.locks.Acquire("sess-001"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.locks.Release("sess-001")

	_, err := p.Run(ctx, testTenant, "sess-001")
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("expected state conflict, got %v", err)
	}
	if !domain.Retryable(err) {
		t.Error("expected lock conflict to be retryable")
	}
}

func TestPipelineMissingSession(t *testing.T) {
	p, _ := newTestPipeline(t)

	_, err := p.Run(context.Background(), testTenant, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPipelinePublishesEvents(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kestrel-pipeline-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig()
	exprs, err := rules.NewCELEvaluator()
	if err != nil {
		t.Fatalf("failed to create CEL evaluator: %v", err)
	}
	engine := rules.NewEngine(exprs, rules.EvaluatorOptions{FoldExactMatch: true})
	store := trust.NewStore(repo, nil, trust.NewClassifier(cfg.Classifier))

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { eventBus.Close() })

	p := New(cfg, repo, eventBus, engine, store, nil)
	ctx := context.Background()

	var mu sync.Mutex
	counts := make(map[string]int)
	for _, topic := range []string{domain.TopicRecordAssessed, domain.TopicCaseCreated, domain.TopicSessionCompleted} {
		topic := topic
		if _, err := eventBus.Subscribe(ctx, testTenant, topic, func(ctx context.Context, msg *domain.Message) error {
			mu.Lock()
			counts[topic]++
			mu.Unlock()
			return nil
		}); err != nil {
			t.Fatalf("Subscribe %s failed: %v", topic, err)
		}
	}

	seedRules(t, repo)
	seedSession(t, repo, batchRecords(16))
	if _, err := p.Run(ctx, testTenant, "sess-001"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Handlers run on subscriber goroutines; poll until delivery settles.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		assessed := counts[domain.TopicRecordAssessed]
		created := counts[domain.TopicCaseCreated]
		completed := counts[domain.TopicSessionCompleted]
		mu.Unlock()

		// 16 records minus the excluded internal send get assessed events;
		// the leaver record opens the single case.
		if assessed == 15 && created == 1 && completed == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("events = assessed:%d created:%d completed:%d, want 15/1/1",
				assessed, created, completed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
