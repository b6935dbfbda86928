// ABOUTME: Test helper that starts a Postgres testcontainer with all migrations applied.
// ABOUTME: Use NewTestDB(t) in integration tests that need a real database.
package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/chipp-ai/dispatch/internal/store"
	"github.com/chipp-ai/dispatch/migrations"
)

// TestDB embeds *store.Store so all store methods are directly callable from
// tests, alongside the raw connection for SQL probes.
type TestDB struct {
	*store.Store
}

// NewTestDB starts a Postgres testcontainer, runs all migrations, and returns
// a TestDB backed by it. The container and pool are cleaned up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("dispatch_test"),
		tcpostgres.WithUsername("dispatch_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	// Run migrations the same way cmd/dispatch/main.go runMigrate does.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}

	connCfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		t.Fatalf("parse db url: %v", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		t.Fatalf("migration driver: %v", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	t.Cleanup(pool.Close)

	return &TestDB{Store: store.New(pool)}
}
