// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"30000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"extended_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Worker runtime ───────────────────────────────────────────────────────────
	// WorkerHeartbeatInterval must be strictly shorter than WorkerStaleThreshold;
	// worker.New rejects configurations that violate this.
	WorkerPollInterval      time.Duration `env:"WORKER_POLL_INTERVAL"      envDefault:"2s"`
	WorkerClaimBatchSize    int           `env:"WORKER_CLAIM_BATCH_SIZE"   envDefault:"5"`
	WorkerMaxConcurrent     int           `env:"WORKER_MAX_CONCURRENT"     envDefault:"10"`
	WorkerHeartbeatInterval time.Duration `env:"WORKER_HEARTBEAT_INTERVAL" envDefault:"15s"`
	WorkerStaleThreshold    time.Duration `env:"WORKER_STALE_THRESHOLD"    envDefault:"5m"`
	WorkerReapInterval      time.Duration `env:"WORKER_REAP_INTERVAL"      envDefault:"1m"`
	WorkerBackoffBase       time.Duration `env:"WORKER_BACKOFF_BASE"       envDefault:"2s"`
	WorkerBackoffMax        time.Duration `env:"WORKER_BACKOFF_MAX"        envDefault:"30s"`

	// ── Ingestion processors ─────────────────────────────────────────────────────
	// IngestRoot is the directory uploaded source files are staged under;
	// file_ingest jobs may only read paths below it.
	IngestRoot        string `env:"INGEST_ROOT"          envDefault:"/var/lib/dispatch/sources"`
	FetchMaxBodyBytes int64  `env:"FETCH_MAX_BODY_BYTES" envDefault:"10485760"`
	CrawlMaxLinks     int    `env:"CRAWL_MAX_LINKS"      envDefault:"50"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Enqueue requests per minute per client IP, and burst allowance.
	EnqueueRatePerMinute int           `env:"ENQUEUE_RATE_PER_MINUTE" envDefault:"120"`
	EnqueueRateBurst     int           `env:"ENQUEUE_RATE_BURST"      envDefault:"20"`
	RateLimitEvictTTL    time.Duration `env:"RATE_LIMIT_EVICT_TTL"    envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
