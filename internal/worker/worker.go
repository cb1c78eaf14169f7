// Package worker provides async session processing for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/pipeline"
)

// Worker consumes submitted sessions from the EventBus and runs the
// assessment pipeline for them.
type Worker struct {
	bus      domain.EventBus
	pipeline *pipeline.Pipeline

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the
	// global subscription)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, pipe *pipeline.Pipeline) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		pipeline: pipe,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins processing submitted sessions for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicSessionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts a worker for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSessionSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.processSession(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicSessionSubmitted,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processSession(ctx, msg.TenantID, msg)
}

// SessionMessage is the message payload for session processing.
type SessionMessage struct {
	SessionID string `json:"sessionId"`
	TenantID  string `json:"tenantId,omitempty"`
}

// processSession runs the pipeline for a submitted session. A session
// already held by another runner is skipped; the holder publishes the
// completion event.
func (w *Worker) processSession(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var sessMsg SessionMessage
	if err := json.Unmarshal(msg.Payload, &sessMsg); err != nil {
		slog.Error("failed to parse session message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if sessMsg.SessionID == "" {
		slog.Error("session message without sessionId", "message_id", msg.ID)
		return domain.ErrData
	}

	// Use message tenant if provided
	if sessMsg.TenantID != "" {
		tenantID = sessMsg.TenantID
	}

	slog.Debug("processing session",
		"session_id", sessMsg.SessionID,
		"tenant_id", tenantID,
	)

	session, err := w.pipeline.Run(ctx, tenantID, sessMsg.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			slog.Info("session already being processed, skipping",
				"session_id", sessMsg.SessionID,
				"tenant_id", tenantID,
			)
			return nil
		}
		slog.Error("pipeline run failed",
			"session_id", sessMsg.SessionID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	slog.Info("session processed",
		"session_id", session.ID,
		"tenant_id", tenantID,
		"status", session.Status,
		"records", session.ProcessedRecords,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
