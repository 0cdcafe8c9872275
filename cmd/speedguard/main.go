// speedguard - Threshold detection and enforcement lifecycle for
// traffic-violation records.
// Copyright (c) 2026 OpenCivic
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opencivic/speedguard/internal/api"
	"github.com/opencivic/speedguard/internal/bus"
	"github.com/opencivic/speedguard/internal/cache"
	"github.com/opencivic/speedguard/internal/detect"
	"github.com/opencivic/speedguard/internal/domain"
	"github.com/opencivic/speedguard/internal/lifecycle"
	"github.com/opencivic/speedguard/internal/repository"
	"github.com/opencivic/speedguard/internal/rules"
	"github.com/opencivic/speedguard/internal/store"
	"github.com/opencivic/speedguard/internal/worker"
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
	if os.Getenv("SPEEDGUARD_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting speedguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("SPEEDGUARD_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if err := cfg.Policy.Validate(); err != nil {
		slog.Error("invalid enforcement policy", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"policy_version", cfg.Policy.Version,
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

	// Initialize screening rule engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	// Load screening rules from database (no hardcoded defaults - configure via API)
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Initialize alert lifecycle manager
	alerts := lifecycle.NewManager(repo, cfg.Policy, busImpl)
	slog.Info("alert lifecycle manager initialized",
		"notice_period_days", cfg.Policy.NoticePeriodDays,
		"follow_up_period_days", cfg.Policy.FollowUpPeriodDays,
	)

	// Initialize violation store and detection service
	violationStore := store.New(cfg.Policy)
	svc, err := detect.NewService(violationStore, repo, cacheImpl, busImpl, engine, alerts, cfg.Policy)
	if err != nil {
		slog.Error("failed to initialize detection service", "error", err)
		os.Exit(1)
	}

	// Seed the store from persisted facts
	loaded, err := svc.LoadFromRepository(ctx)
	if err != nil {
		slog.Error("failed to load violations from repository", "error", err)
		os.Exit(1)
	}
	slog.Info("detection service initialized", "violations_loaded", loaded)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("SPEEDGUARD_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, svc, alerts)

		workerCfg := worker.Config{
			SweepInterval: time.Hour,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started")
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, alerts, repo, cacheImpl, engine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("speedguard is ready",
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

	slog.Info("speedguard shutdown complete")
}

// loadRulesFromDatabase loads screening rules from the database into the
// engine. All rules must be configured via POST /rules - no hardcoded
// defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListFlagRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil // Start with empty rules - they can be added via API
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  SPEEDGUARD - violation threshold detection")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /ingest                  - Ingest a violation batch")
	fmt.Println("    GET  /roster/{kind}           - Classified roster (driver|vehicle)")
	fmt.Println("    GET  /export/{kind}           - Roster CSV export")
	fmt.Println("    GET  /export/{kind}/detail    - Per-violation CSV export")
	fmt.Println("    GET  /alerts                  - List enforcement alerts")
	fmt.Println("    POST /alerts/{id}/follow-up   - Advance NOTICE_SENT alert")
	fmt.Println("    POST /alerts/{id}/confirm     - Confirm device installation")
	fmt.Println("    POST /alerts/{id}/escalate    - Escalate ignored follow-up")
	fmt.Println("    POST /alerts/sweep            - Advance all overdue notices")
	fmt.Println("    GET  /runs                    - Detection run audit trail")
	fmt.Println("    GET  /rules                   - List screening rules")
	fmt.Println("    POST /rules                   - Create a screening rule")
	fmt.Println("    POST /rules/reload            - Hot-reload rules from database")
	fmt.Println("    GET  /stats                   - Violation store statistics")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
