// Package store provides the data access layer for the job queue. Every
// state transition is a single atomic SQL statement (or one short pgx
// transaction) so that correctness holds across any number of stateless
// worker replicas — there is no read-then-write application logic and no
// in-process locking that another component depends on.
package store

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Store is the central data access object for the jobs table.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The pool is also exposed through a
// stdlib *sql.DB adapter for callers that need database/sql compatibility.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Pool returns the underlying pgxpool for callers that need direct access
// (health checks, tests).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB. Used by tests for raw-SQL probes.
func (s *Store) DB() *sql.DB { return s.db }
