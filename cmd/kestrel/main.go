// Kestrel - Email exfiltration risk assessment that deploys in 60 seconds.
// Copyright (c) 2025 opensource.sec
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-sec/kestrel/internal/api"
	"github.com/opensource-sec/kestrel/internal/bus"
	"github.com/opensource-sec/kestrel/internal/cache"
	"github.com/opensource-sec/kestrel/internal/cases"
	"github.com/opensource-sec/kestrel/internal/domain"
	"github.com/opensource-sec/kestrel/internal/pipeline"
	"github.com/opensource-sec/kestrel/internal/repository"
	"github.com/opensource-sec/kestrel/internal/rules"
	"github.com/opensource-sec/kestrel/internal/trust"
	"github.com/opensource-sec/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine with CEL expression support
	exprs, err := rules.NewCELEvaluator()
	if err != nil {
		slog.Error("failed to initialize CEL evaluator", "error", err)
		os.Exit(1)
	}
	engine := rules.NewEngine(exprs, rules.EvaluatorOptions{FoldExactMatch: true})
	slog.Info("rule engine initialized")

	// Initialize domain trust store
	classifier := trust.NewClassifier(cfg.Classifier)
	trustStore := trust.NewStore(repo, cacheImpl, classifier)
	slog.Info("trust store initialized")

	// Initialize assessment pipeline
	pipe := pipeline.New(cfg, repo, busImpl, engine, trustStore, logger)
	slog.Info("pipeline initialized", "workers", cfg.Pipeline.Workers)

	// Case resolver shares the engine's rule lookup for action application
	resolver := cases.NewGenerator(repo, engine, busImpl, cfg.Scoring.CaseThreshold, logger)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, pipe)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, id := range strings.Split(envTenants, ",") {
				if id = strings.TrimSpace(id); id != "" {
					tenantIDs = append(tenantIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, trustStore, pipe, resolver, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║    Email Exfiltration Risk Assessment     ║")
	fmt.Println("  ║       Eyes on every outbound send.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /sessions                    - Create an analysis session")
	fmt.Println("    POST /sessions/{id}/records       - Ingest email records")
	fmt.Println("    POST /sessions/{id}/run           - Run the assessment pipeline")
	fmt.Println("    GET  /sessions/{id}/insights      - Session risk summary")
	fmt.Println("    GET  /cases                       - List investigation cases")
	fmt.Println("    POST /cases/{id}/status           - Escalate or clear a case")
	fmt.Println("    GET  /rules                       - List rules")
	fmt.Println("    POST /rules                       - Create a rule")
	fmt.Println("    POST /rules/test                  - Dry-run a rule against a session")
	fmt.Println("    POST /whitelist                   - Manage the domain whitelist")
	fmt.Println("    GET  /whitelist/recommendations   - Whitelist candidates")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
