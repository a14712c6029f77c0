// Arachne - Coordinated-fraud ring detection over shared infrastructure.
// Copyright (c) 2025 opensource.finance
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

	"github.com/opensource-finance/arachne/internal/alerts"
	"github.com/opensource-finance/arachne/internal/api"
	"github.com/opensource-finance/arachne/internal/bus"
	"github.com/opensource-finance/arachne/internal/cache"
	"github.com/opensource-finance/arachne/internal/domain"
	"github.com/opensource-finance/arachne/internal/pipeline"
	"github.com/opensource-finance/arachne/internal/provider"
	"github.com/opensource-finance/arachne/internal/repository"
	"github.com/opensource-finance/arachne/internal/risk"
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
	if os.Getenv("ARACHNE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting arachne",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("ARACHNE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if uri := os.Getenv("ARACHNE_NEO4J_URI"); uri != "" {
		cfg.Provider = domain.ProviderConfig{
			Driver:        "neo4j",
			Neo4jURI:      uri,
			Neo4jUser:     os.Getenv("ARACHNE_NEO4J_USER"),
			Neo4jPassword: os.Getenv("ARACHNE_NEO4J_PASSWORD"),
			Neo4jDatabase: os.Getenv("ARACHNE_NEO4J_DATABASE"),
		}
	}

	// A bad linkage or detector configuration must never reach the
	// pipeline; refuse to start.
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"provider", cfg.Provider.Driver,
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

	// Select the transaction provider: the SQL store itself, or an
	// external Neo4j entity graph.
	var txProvider domain.Provider = repo
	var graphProvider *provider.Neo4jProvider
	if cfg.Provider.Driver == "neo4j" {
		graphProvider, err = provider.NewNeo4j(cfg.Provider, logger)
		if err != nil {
			slog.Error("failed to initialize neo4j provider", "error", err)
			os.Exit(1)
		}
		defer graphProvider.Close(context.Background())
		txProvider = graphProvider
		slog.Info("neo4j provider initialized", "uri", cfg.Provider.Neo4jURI)
	}

	// Initialize Alert Engine
	alertEngine, err := alerts.NewEngine(logger)
	if err != nil {
		slog.Error("failed to initialize alert engine", "error", err)
		os.Exit(1)
	}
	slog.Info("alert engine initialized")

	// Initialize the refresh pipeline and snapshot store
	store := pipeline.NewSnapshotStore()
	refresher := pipeline.NewRefresher(txProvider, repo, store, busImpl, cfg, alertEngine, logger)
	riskEngine := risk.NewEngine(cfg.Risk, logger)

	// Tenants served by the background refresh worker
	tenantIDs := parseTenants(os.Getenv("ARACHNE_TENANTS"))

	refreshWorker := pipeline.NewWorker(busImpl, refresher, logger)
	if err := refreshWorker.Start(pipeline.WorkerConfig{TenantIDs: tenantIDs}); err != nil {
		slog.Error("failed to start refresh worker", "error", err)
	} else if len(tenantIDs) > 0 {
		slog.Info("refresh worker started", "tenant_count", len(tenantIDs))
	}

	// With a graph provider, mirror every completed refresh back into
	// Neo4j as LINKED_TO edges and community ids.
	if graphProvider != nil {
		for _, tenantID := range tenantIDs {
			tenantID := tenantID
			_, err := busImpl.Subscribe(ctx, tenantID, domain.TopicRefreshCompleted, func(ctx context.Context, msg *domain.Message) error {
				snap, ok := store.Get(tenantID)
				if !ok {
					return nil
				}
				return graphProvider.WriteBack(ctx, snap)
			})
			if err != nil {
				slog.Error("failed to subscribe graph write-back",
					"tenant_id", tenantID,
					"error", err)
			}
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, store, refresher, riskEngine, alertEngine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("arachne is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	refreshWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("arachne shutdown complete")
}

func parseTenants(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tenants := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tenants = append(tenants, p)
		}
	}
	return tenants
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║              🕸️  ARACHNE                  ║")
	fmt.Println("  ║      Fraud Ring Detection Engine          ║")
	fmt.Println("  ║    Follow the threads between them.       ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /transactions                        - Ingest a transaction")
	fmt.Println("    GET  /transactions/{id}                   - Get transaction by ID")
	fmt.Println("    POST /refresh                             - Rebuild linkage graph and communities")
	fmt.Println("    GET  /communities/top                     - Highest-risk communities")
	fmt.Println("    GET  /communities/{id}                    - Community summary and top members")
	fmt.Println("    GET  /communities/{id}/artifacts/{cat}    - Shared artifact evidence")
	fmt.Println("    GET  /persons/{id}/risk                   - Person risk summary")
	fmt.Println("    GET  /persons/{id}/neighbors              - Person linkage neighbors")
	fmt.Println("    GET  /policies                            - List alert policies")
	fmt.Println("    POST /policies                            - Create an alert policy")
	fmt.Println("    POST /policies/reload                     - Hot-reload alert policies")
	fmt.Println("    GET  /health                              - Health check")
	fmt.Println()
}
