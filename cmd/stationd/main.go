// stationd server: exposes the conversation orchestration core over HTTP,
// runs background turns, and sweeps the event log.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stationd/stationd/pkg/api"
	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/database"
	"github.com/stationd/stationd/pkg/hooks"
	"github.com/stationd/stationd/pkg/intent"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/orchestrator"
	"github.com/stationd/stationd/pkg/plan"
	"github.com/stationd/stationd/pkg/playbook"
	"github.com/stationd/stationd/pkg/queue"
	"github.com/stationd/stationd/pkg/sampling"
	"github.com/stationd/stationd/pkg/steward"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
	"github.com/stationd/stationd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	logger := slog.Default()

	slog.Info("Starting stationd",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Database (runs pending migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewPostgres(dbClient.DB())

	// 3. LLM provider
	providerCfg, err := cfg.Providers.Default()
	if err != nil {
		slog.Error("No default LLM provider configured", "error", err)
		os.Exit(1)
	}
	provider, err := llm.NewProvider(cfg.Providers.DefaultID(), providerCfg)
	if err != nil {
		slog.Error("Failed to initialize LLM provider", "error", err)
		os.Exit(1)
	}
	slog.Info("LLM provider initialized", "provider", cfg.Providers.DefaultID())

	// 4. Playbook registry (builtins plus pack manifests)
	registry, err := playbook.NewRegistry(logger, st, cfg.Playbooks.PacksDir)
	if err != nil {
		slog.Error("Failed to initialize playbook registry", "error", err)
		os.Exit(1)
	}

	// 5. Intent services and hook runner
	gate := sampling.NewGate(logger, cfg.Sampling)
	extractor := intent.NewExtractor(logger, cfg, st, gate, provider, nil)
	stewardSvc := steward.New(logger, cfg, st, provider)
	hookRunner := hooks.NewRunner(logger, cfg, st, extractor, stewardSvc)

	// 6. Orchestrator
	pipeline := intent.NewPipeline(logger, cfg, st, registry, provider)
	builder := plan.NewBuilder(logger, cfg, provider)
	executor := stream.NewExecutor(logger, cfg, st, provider)
	orch := orchestrator.New(logger, cfg, st, registry, pipeline, builder, executor,
		orchestrator.Options{Steward: stewardSvc})

	// 7. Background turn runner
	runner := queue.NewRunner(logger, st, orch, cfg.Queue.WorkspaceConcurrency)

	// 8. Event retention sweeper
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.Retention.EventTTLDays > 0 {
		go runRetentionSweep(sweepCtx, logger, st, cfg.Retention)
	}

	// 9. HTTP server (non-blocking)
	server := api.NewServer(logger, cfg, st, orch, runner, hookRunner, dbClient.DB())
	httpServer := server.HTTPServer(":" + httpPort)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("stationd started successfully",
		"workspace_concurrency", cfg.Queue.WorkspaceConcurrency)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop intake, drain in-flight turns, then HTTP
	stopSweep()

	runnerCtx, runnerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer runnerCancel()
	if err := runner.Shutdown(runnerCtx); err != nil {
		slog.Warn("Turn runner shutdown timeout exceeded", "error", err)
	} else {
		slog.Info("Turn runner stopped gracefully")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// runRetentionSweep prunes expired non-message events on a fixed interval.
func runRetentionSweep(ctx context.Context, logger *slog.Logger, st store.Store, cfg config.RetentionConfig) {
	logger = logger.With("component", "retention")
	ttl := time.Duration(cfg.EventTTLDays) * 24 * time.Hour

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-ttl)
			removed, err := st.PruneEvents(ctx, cutoff)
			if err != nil {
				logger.Error("event pruning failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("pruned expired events", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}
