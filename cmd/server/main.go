/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the accrual engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the logger
  3. Open the SQL store (SQLite or PostgreSQL)
  4. Create engine, materializer, ingestor and rule interpreter
  5. Start the materialization scheduler
  6. Configure HTTP router and start server

COMMAND-LINE FLAGS:
  -config  Config file (yaml/toml/json); optional
  -port    HTTP server port, overrides server.port
  -db      Database DSN, overrides database.dsn
           Use ":memory:" with SQLite for an in-memory database

ENVIRONMENT:
  ACCRUAL_* variables override the config file, e.g.
  ACCRUAL_DATABASE_DRIVER=pgx ACCRUAL_DATABASE_DSN=postgres://...
  ACCRUAL_OPENAI_API_KEY enables POST /api/rules/interpret.
  A .env file in the working directory is loaded first.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running job)
  2. Stop accepting new connections and drain requests
  3. Wait for background materialization
  4. Close database connection

SEE ALSO:
  - config/config.go: configuration keys
  - api/server.go: Router configuration
  - store/sqldb/sqldb.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/accrual-engine/accrual"
	"github.com/warp/accrual-engine/api"
	"github.com/warp/accrual-engine/config"
	"github.com/warp/accrual-engine/interpret"
	"github.com/warp/accrual-engine/store/sqldb"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	log := config.NewLogger(cfg.Log, os.Stderr)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// Initialize store
	store, err := sqldb.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("database ready")

	engine := accrual.NewEngine(store, cfg.EngineOptions(&log))
	materializer := accrual.NewMaterializer(engine)
	ingestor := accrual.NewIngestor(engine, cfg.Engine.IngestBatchSize)

	var interpreter interpret.RuleInterpreter
	if cfg.OpenAI.APIKey != "" {
		oi, err := interpret.NewOpenAIInterpreter(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		if err != nil {
			return fmt.Errorf("initialize rule interpreter: %w", err)
		}
		interpreter = oi
	} else {
		log.Info().Msg("no OpenAI key configured, rule interpretation disabled")
	}

	scheduler, err := api.NewMaterializeScheduler(materializer, cfg.Scheduler.MaterializeCron, log)
	if err != nil {
		return err
	}
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Start()

	handler := api.NewHandler(engine, materializer, ingestor, interpreter)
	router := api.NewRouter(handler, api.RouterOptions{Logger: log, CORSOrigins: cfg.Server.CORSOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		scheduler.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	materializer.Wait()

	log.Info().Msg("server stopped")
	return nil
}
