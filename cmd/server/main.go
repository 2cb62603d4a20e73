/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rule history server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (config.yaml, RULEHIST_* env) and apply flags
  2. Initialize SQLite store, optionally seeding a demo scenario
  3. Create the reconciliation engine, metrics and API handler
  4. Configure HTTP router
  5. Start the audit scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config    Directory holding config.yaml (default: current directory)
  -addr      HTTP listen address (overrides server.addr)
  -db        SQLite database path (overrides database.path)
             Use ":memory:" for in-memory database
  -scenario  Demo scenario to load at startup (resets the database)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/rules.db"

  # Demo on an in-memory database
  ./server -db=":memory:" -scenario=pricing-desk

  # Run on different port, JSON logs
  RULEHIST_LOG_FORMAT=json ./server -addr=":3000"

SEE ALSO:
  - internal/config: Settings and environment overrides
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/rule-history/api"
	"github.com/warp/rule-history/history"
	"github.com/warp/rule-history/internal/config"
	"github.com/warp/rule-history/store/sqlite"
)

func main() {
	// Flags
	configDir := flag.String("config", ".", "Directory holding config.yaml")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	scenario := flag.String("scenario", "", "Demo scenario to load at startup")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, *scenario, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, scenario string, logger *slog.Logger) error {
	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return err
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := history.NewEngine(store, cfg.Engine, logger)
	metrics := api.NewMetrics()
	handler := api.NewHandler(store, engine, metrics, logger)

	if scenario != "" {
		if err := store.Reset(context.Background()); err != nil {
			return err
		}
		if _, err := api.SeedScenario(context.Background(), store, scenario); err != nil {
			return err
		}
		logger.Info("scenario loaded", "scenario", scenario)
	}

	// Create router
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	// Start the audit sweep
	scheduler := api.NewAuditScheduler(store, engine, metrics, logger)
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.Engine.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.Server.Addr,
			"db", cfg.Database.Path,
			"field_scope", cfg.Engine.FieldScope,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
