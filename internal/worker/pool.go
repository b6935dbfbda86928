// ABOUTME: Worker pool: claim loop with jittered backoff, per-job heartbeat
// ABOUTME: goroutines, and the stale-job reaper. Drains in-flight work on stop.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/metrics"
	"github.com/chipp-ai/dispatch/internal/store"
)

// Config holds worker pool tuning parameters (sourced from config.Config).
// Zero values fall back to the defaults noted per field.
type Config struct {
	PollInterval      time.Duration // claim poll cadence when work was found; default 2s
	ClaimBatchSize    int           // max jobs per claim transaction; default 5
	MaxConcurrent     int           // max processor invocations in flight; default 10
	HeartbeatInterval time.Duration // must be < StaleThreshold; default 15s
	StaleThreshold    time.Duration // reaper silence cutoff; default 5m
	ReapInterval      time.Duration // reaper cadence; default 1m
	BackoffBase       time.Duration // empty-poll backoff floor; default 2s
	BackoffMax        time.Duration // empty-poll backoff cap; default 30s
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 5
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Pool drives the claim → process → report cycle. N pool replicas poll the
// same table concurrently; row locking at claim time is the only coordination
// between them.
type Pool struct {
	store    *store.Store
	cfg      Config
	workerID string
	log      *slog.Logger
	mu       sync.RWMutex
	procs    map[string]Processor
	sem      chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool backed by st. A random workerID is generated to
// distinguish this process in logs. Returns an error when the heartbeat
// interval is not strictly shorter than the staleness threshold — a pool
// configured that way would have its own live jobs reaped out from under it.
func New(st *store.Store, cfg Config) (*Pool, error) {
	cfg.applyDefaults()
	if cfg.HeartbeatInterval >= cfg.StaleThreshold {
		return nil, fmt.Errorf(
			"heartbeat interval %v must be shorter than stale threshold %v",
			cfg.HeartbeatInterval, cfg.StaleThreshold)
	}
	return &Pool{
		store:    st,
		cfg:      cfg,
		workerID: uuid.New().String(),
		log:      slog.Default(),
		procs:    make(map[string]Processor),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Register associates proc with the named job type. Must be called before Start.
func (p *Pool) Register(jobType string, proc Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[jobType] = proc
}

// Start runs the claim loop and the reaper until ctx is cancelled, then waits
// for in-flight jobs to drain. Jobs still running when the process dies
// anyway (kill -9, OOM) are recovered by any replica's reaper.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runClaims(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.runReaper(ctx)
	}()

	wg.Wait()
	p.wg.Wait() // in-flight processors
	p.log.Info("worker pool stopped", "worker_id", p.workerID)
}

// RunOnce executes a single claim pass and waits for the dispatched jobs to
// finish. Used in tests only.
func (p *Pool) RunOnce(ctx context.Context) int {
	n := p.claimOnce(ctx)
	p.wg.Wait()
	return n
}

// runClaims polls for claimable work. Consecutive empty polls (or store
// errors, treated as "no work available") stretch the wait with jittered
// exponential backoff; any claimed batch snaps back to the base poll interval.
func (p *Pool) runClaims(ctx context.Context) {
	p.log.Info("claim loop started",
		"worker_id", p.workerID,
		"batch_size", p.cfg.ClaimBatchSize,
		"poll_interval", p.cfg.PollInterval)

	idle := 0
	// time.NewTimer (not time.After) to avoid leaking the timer on ctx cancel.
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("claim loop stopping", "worker_id", p.workerID)
			return
		case <-timer.C:
		}

		if n := p.claimOnce(ctx); n > 0 {
			idle = 0
			timer.Reset(p.cfg.PollInterval)
		} else {
			idle++
			timer.Reset(p.backoff(idle))
		}
	}
}

// claimOnce claims one batch and dispatches each job on its own goroutine,
// bounded by the concurrency semaphore. Returns the number of jobs claimed.
func (p *Pool) claimOnce(ctx context.Context) int {
	jobs, err := p.store.Claim(ctx, p.cfg.ClaimBatchSize)
	if err != nil {
		p.log.Error("claim error", "error", err)
		return 0
	}

	for _, job := range jobs {
		metrics.JobsClaimed.Inc()
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown mid-batch: leave the rest in processing; the reaper
			// will requeue them after the staleness window.
			return len(jobs)
		}
		p.wg.Add(1)
		go func(job store.ClaimedJob) {
			defer func() { <-p.sem }()
			defer p.wg.Done()
			p.execute(ctx, job)
		}(job)
	}
	return len(jobs)
}

// execute dispatches one claimed job to its processor, heartbeating for the
// duration, and reports the terminal outcome. Outcome writes use a
// cancel-detached context so a shutting-down worker can still record results
// for jobs it finished.
func (p *Pool) execute(ctx context.Context, job store.ClaimedJob) {
	log := p.log.With("job_id", job.ID, "job_type", job.Type, "attempts", job.Attempts)

	p.mu.RLock()
	proc := p.procs[job.Type]
	p.mu.RUnlock()

	reportCtx := context.WithoutCancel(ctx)

	if proc == nil {
		// Retrying cannot change the outcome — permanent failure.
		log.Error("no processor registered for job type")
		p.fail(reportCtx, log, job.ID, fmt.Sprintf("no processor registered for type %q", job.Type), true)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(reportCtx)
	hbDone := make(chan struct{})
	go p.runHeartbeat(hbCtx, job.ID, hbDone)

	metrics.JobsInFlight.Inc()
	start := time.Now()
	err := proc(ctx, job)
	elapsed := time.Since(start)
	metrics.JobsInFlight.Dec()
	metrics.JobDuration.WithLabelValues(job.Type).Observe(elapsed.Seconds())

	// Tear down the heartbeat before reporting so it cannot touch the row
	// after the terminal transition.
	stopHeartbeat()
	<-hbDone

	if err != nil {
		log.Warn("processor failed", "error", err, "permanent", IsPermanent(err), "elapsed", elapsed)
		p.fail(reportCtx, log, job.ID, err.Error(), IsPermanent(err))
		return
	}

	owned, err := p.store.Complete(reportCtx, job.ID)
	if err != nil {
		log.Error("complete error", "error", err)
		return
	}
	if !owned {
		log.Warn("job no longer owned at completion; result dropped")
		return
	}
	metrics.JobsCompleted.Inc()
	log.Info("job completed", "elapsed", elapsed)
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, errMsg string, permanent bool) {
	status, err := p.store.Fail(ctx, id, errMsg, permanent)
	if err != nil {
		log.Error("fail error", "error", err)
		return
	}
	if status == "" {
		log.Warn("job no longer owned at failure; result dropped")
		return
	}
	metrics.JobsFailed.WithLabelValues(fmt.Sprintf("%t", status == store.StatusFailed)).Inc()
	log.Info("job attempt failed", "next_status", status)
}

// runHeartbeat renews the job's liveness on its own timer (and its own pool
// connection) for exactly the lifetime of one processor invocation, so it
// never waits behind the processor's I/O and cannot leak past its job.
func (p *Pool) runHeartbeat(ctx context.Context, id uuid.UUID, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := p.store.Heartbeat(ctx, id)
			if err != nil {
				// Store hiccup: keep trying; the staleness threshold leaves
				// headroom for several missed beats.
				p.log.Warn("heartbeat error", "job_id", id, "error", err)
				continue
			}
			if !owned {
				p.log.Warn("job no longer owned, stopping heartbeat", "job_id", id)
				return
			}
		}
	}
}

// runReaper periodically recovers processing jobs whose worker stopped
// heartbeating. Safe to run in every replica: ReapStale uses SKIP LOCKED.
func (p *Pool) runReaper(ctx context.Context) {
	p.log.Info("reaper started",
		"worker_id", p.workerID,
		"stale_threshold", p.cfg.StaleThreshold,
		"reap_interval", p.cfg.ReapInterval)

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("reaper stopping")
			return
		case <-ticker.C:
			requeued, failed, err := p.store.ReapStale(ctx, p.cfg.StaleThreshold)
			if err != nil {
				p.log.Error("reap error", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				metrics.JobsReaped.WithLabelValues("requeued").Add(float64(requeued))
				metrics.JobsReaped.WithLabelValues("failed").Add(float64(failed))
				p.log.Info("reaped stale jobs", "requeued", requeued, "failed", failed)
			}
		}
	}
}

// backoff returns the wait before the next poll after idle consecutive empty
// polls: base doubling per idle poll, capped, with 0.5–1.5x jitter so
// replicas don't thundering-herd the claim index.
func (p *Pool) backoff(idle int) time.Duration {
	d := float64(p.cfg.BackoffBase) * math.Pow(2, float64(idle-1))
	if d > float64(p.cfg.BackoffMax) {
		d = float64(p.cfg.BackoffMax)
	}
	jitter := 0.5 + rand.Float64() //nolint:gosec // G404: poll jitter is not security-sensitive
	return time.Duration(d * jitter)
}
