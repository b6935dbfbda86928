// Command dispatch is the ingestion job queue binary.
//
// Subcommands:
//
//	serve    — HTTP API + embedded worker pool (default for single-node)
//	worker   — standalone worker pool only (scaled deployments)
//	migrate  — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/chipp-ai/dispatch/internal/api"
	"github.com/chipp-ai/dispatch/internal/config"
	"github.com/chipp-ai/dispatch/internal/ingest"
	"github.com/chipp-ai/dispatch/internal/store"
	"github.com/chipp-ai/dispatch/internal/worker"
	"github.com/chipp-ai/dispatch/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "dispatch",
		Short: "dispatch — durable knowledge-source ingestion queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and embedded worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)

	pool, err := newWorkerPool(st, cfg)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	// The pool drains on ctx cancellation; poolDone is joined after HTTP
	// shutdown so in-flight jobs finish before the process exits.
	poolDone := make(chan struct{})
	go func() {
		pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context
		close(poolDone)
	}()

	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout covered by per-handler deadlines
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, cfg).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	<-poolDone // in-flight jobs drained
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP API)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := newWorkerPool(store.New(db), cfg)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// newWorkerPool builds the pool and registers the ingestion processors.
func newWorkerPool(st *store.Store, cfg *config.Config) (*worker.Pool, error) {
	pool, err := worker.New(st, worker.Config{
		PollInterval:      cfg.WorkerPollInterval,
		ClaimBatchSize:    cfg.WorkerClaimBatchSize,
		MaxConcurrent:     cfg.WorkerMaxConcurrent,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		StaleThreshold:    cfg.WorkerStaleThreshold,
		ReapInterval:      cfg.WorkerReapInterval,
		BackoffBase:       cfg.WorkerBackoffBase,
		BackoffMax:        cfg.WorkerBackoffMax,
	})
	if err != nil {
		return nil, err
	}

	client := ingest.BuildSafeClient()
	onDocument := documentLogger

	pool.Register(ingest.TypeFileIngest,
		ingest.NewFileIngestor(cfg.IngestRoot, cfg.FetchMaxBodyBytes, onDocument).Process)
	pool.Register(ingest.TypeURLFetch,
		ingest.NewFetcher(client, cfg.FetchMaxBodyBytes, onDocument).Process)
	pool.Register(ingest.TypeCrawlPage,
		ingest.NewCrawler(client, st, cfg.FetchMaxBodyBytes, cfg.CrawlMaxLinks, onDocument).Process)

	return pool, nil
}

// documentLogger stands in for the embedding/indexing pipeline, which
// consumes extracted documents downstream of this service.
func documentLogger(_ context.Context, ownerKey, source, contentType string, body []byte) error {
	slog.Info("document extracted",
		"owner_key", ownerKey,
		"source", source,
		"content_type", contentType,
		"bytes", len(body))
	return nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries up to 10 times with linear
// backoff to handle compose startup races where Postgres is not yet ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely. Must exceed the claim lock window comfortably.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch — run `dispatch migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
