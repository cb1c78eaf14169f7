package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-sec/kestrel/internal/bus"
	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/pipeline"
	"github.com/opensource-sec/kestrel/internal/repository"
	"github.com/opensource-sec/kestrel/internal/rules"
	"github.com/opensource-sec/kestrel/internal/trust"
)

func newTestPipeline(t *testing.T, eventBus domain.EventBus) (*pipeline.Pipeline, domain.Repository) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-worker-*.db")
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

	return pipeline.New(cfg, repo, eventBus, engine, store, nil), repo
}

func seedSession(t *testing.T, repo domain.Repository, tenantID, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()

	records := make([]*domain.EmailRecord, 0, n)
	base := time.Date(2025, 3, 12, 10, 30, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		records = append(records, &domain.EmailRecord{
			ID:              fmt.Sprintf("rec-%03d", i),
			SessionID:       sessionID,
			Timestamp:       base.Add(time.Duration(i) * 11 * time.Minute),
			Sender:          fmt.Sprintf("user%d@company.example", i),
			Subject:         fmt.Sprintf("status update %d", i),
			Recipients:      "contact@partner.example.com",
			RecipientDomain: "partner.example.com",
		})
	}

	session := &domain.Session{
		ID:           sessionID,
		Name:         "worker batch",
		CreatedAt:    time.Now().UTC(),
		Status:       domain.SessionUploaded,
		TotalRecords: len(records),
	}
	if err := repo.SaveSession(ctx, tenantID, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := repo.SaveRecords(ctx, tenantID, records); err != nil {
		t.Fatalf("SaveRecords failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	pipe, repo := newTestPipeline(t, eventBus)
	worker := NewWorker(eventBus, pipe)

	t.Run("StartAndStop", func(t *testing.T) {
		cfg := Config{
			TenantIDs: []string{"tenant-001"},
		}

		err := worker.Start(cfg)
		if err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := worker.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}

		err = worker.Stop()
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = worker.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ProcessSession", func(t *testing.T) {
		tenantID := "tenant-test"
		seedSession(t, repo, tenantID, "sess-worker", 5)

		w := NewWorker(eventBus, pipe)
		w.Start(Config{TenantIDs: []string{tenantID}})
		defer w.Stop()

		var completedReceived atomic.Bool
		var completedPayload []byte

		eventBus.Subscribe(context.Background(), tenantID, domain.TopicSessionCompleted, func(ctx context.Context, msg *domain.Message) error {
			completedPayload = msg.Payload
			completedReceived.Store(true)
			return nil
		})

		// Allow subscriptions to be active
		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(SessionMessage{SessionID: "sess-worker", TenantID: tenantID})
		if err := eventBus.Publish(context.Background(), tenantID, domain.TopicSessionSubmitted, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		// Wait for processing
		deadline := time.Now().Add(5 * time.Second)
		for !completedReceived.Load() && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}

		if !completedReceived.Load() {
			t.Fatal("expected session completed event")
		}

		var completed domain.Session
		if err := json.Unmarshal(completedPayload, &completed); err != nil {
			t.Fatalf("failed to parse completed session: %v", err)
		}
		if completed.ID != "sess-worker" {
			t.Errorf("expected session 'sess-worker', got '%s'", completed.ID)
		}
		if completed.Status != domain.SessionCompleted {
			t.Errorf("expected status completed, got %s", completed.Status)
		}

		// Session is persisted with assessments applied
		session, err := repo.GetSession(context.Background(), tenantID, "sess-worker")
		if err != nil {
			t.Fatalf("GetSession failed: %v", err)
		}
		if session.Status != domain.SessionCompleted {
			t.Errorf("expected persisted status completed, got %s", session.Status)
		}
		if session.Stats == nil || session.Stats.AnalyzedCount != 5 {
			t.Errorf("unexpected stats: %+v", session.Stats)
		}
	})

	t.Run("UnknownSessionDoesNotCrash", func(t *testing.T) {
		tenantID := "tenant-missing"

		w := NewWorker(eventBus, pipe)
		w.Start(Config{TenantIDs: []string{tenantID}})
		defer w.Stop()

		time.Sleep(50 * time.Millisecond)

		payload, _ := json.Marshal(SessionMessage{SessionID: "nope", TenantID: tenantID})
		if err := eventBus.Publish(context.Background(), tenantID, domain.TopicSessionSubmitted, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		time.Sleep(100 * time.Millisecond)

		// Worker survives the failed run
		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		w := NewWorker(eventBus, pipe)

		cfg := Config{
			TenantIDs: []string{"tenant-a", "tenant-b"},
		}
		w.Start(cfg)
		defer w.Stop()

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions for 2 tenants, got %d", stats.SubscriptionCount)
		}
	})
}

func TestSessionMessageParsing(t *testing.T) {
	msg := SessionMessage{
		SessionID: "sess-123",
		TenantID:  "tenant-001",
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var parsed SessionMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.SessionID != msg.SessionID {
		t.Errorf("expected SessionID '%s', got '%s'", msg.SessionID, parsed.SessionID)
	}
	if parsed.TenantID != msg.TenantID {
		t.Errorf("expected TenantID '%s', got '%s'", msg.TenantID, parsed.TenantID)
	}
}
