// ABOUTME: Store operations for the jobs table — enqueue, claim, heartbeat,
// ABOUTME: complete/fail, cancel, reap. All transitions are atomic SQL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (st JobStatus) Terminal() bool {
	return st == StatusCompleted || st == StatusFailed || st == StatusCancelled
}

// StaleError is the last_error written when the reaper exhausts a job whose
// worker stopped heartbeating.
const StaleError = "stale: worker heartbeat lost"

// Job is the full job record as read back for status queries.
type Job struct {
	ID          uuid.UUID
	OwnerKey    string
	Type        string
	Status      JobStatus
	Priority    int32
	Payload     json.RawMessage
	Attempts    int32
	MaxAttempts int32
	LastError   *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	HeartbeatAt *time.Time
}

// ClaimedJob is the subset of a job row handed to the worker runtime after a
// successful claim.
type ClaimedJob struct {
	ID          uuid.UUID
	OwnerKey    string
	Type        string
	Payload     json.RawMessage
	Attempts    int32
	MaxAttempts int32
}

// EnqueueParams are the caller-supplied fields for a new job.
type EnqueueParams struct {
	OwnerKey    string
	Type        string
	Payload     json.RawMessage
	Priority    int32
	MaxAttempts int32 // defaults to 3 when <= 0
}

// Enqueue inserts a pending job row and returns its ID. The queue does not
// deduplicate by payload; redundant enqueues produce independent jobs.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	if p.OwnerKey == "" {
		return uuid.Nil, errors.New("enqueue: owner_key is required")
	}
	if p.Type == "" {
		return uuid.Nil, errors.New("enqueue: job type is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (owner_key, job_type, payload, priority, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		p.OwnerKey, p.Type, p.Payload, p.Priority, p.MaxAttempts,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// claimJobsSQL selects up to $1 pending rows in claim order and flips them to
// processing in the same statement. FOR UPDATE SKIP LOCKED lets concurrent
// replicas select disjoint row sets without blocking on each other, so no row
// is ever claimed twice. The statement is a single implicit transaction: if it
// aborts, no rows are considered claimed.
const claimJobsSQL = `
WITH claimed AS (
    SELECT id
    FROM jobs
    WHERE status = 'pending'
    ORDER BY priority DESC, created_at ASC
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
SET status       = 'processing',
    attempts     = j.attempts + 1,
    started_at   = now(),
    heartbeat_at = now()
FROM claimed
WHERE j.id = claimed.id
RETURNING j.id, j.owner_key, j.job_type, j.payload, j.attempts, j.max_attempts`

// Claim atomically claims up to batch pending jobs for this worker, ordered by
// priority (descending) then creation time. An empty result is not an error —
// the caller backs off and polls again.
func (s *Store) Claim(ctx context.Context, batch int) ([]ClaimedJob, error) {
	rows, err := s.pool.Query(ctx, claimJobsSQL, batch)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ClaimedJob
	for rows.Next() {
		var j ClaimedJob
		if err := rows.Scan(&j.ID, &j.OwnerKey, &j.Type, &j.Payload, &j.Attempts, &j.MaxAttempts); err != nil {
			return nil, fmt.Errorf("claim jobs: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// Heartbeat refreshes heartbeat_at for a job the caller still owns. Returns
// owned=false (not an error) when the job has been reclaimed, cancelled, or
// finished by someone else in the interim.
func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete transitions a job the caller holds to completed. The
// status = 'processing' precondition makes this a no-op (owned=false) when
// the job was reclaimed or cancelled; terminal rows are never mutated.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = now(), heartbeat_at = NULL
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// failJobSQL records the failure and decides the next state in SQL so the
// transition cannot race with other replicas: permanent errors and exhausted
// attempts go to failed; otherwise the row returns to pending for another
// claim. attempts was already incremented at claim time and never resets.
const failJobSQL = `
UPDATE jobs
SET status       = CASE WHEN $3::boolean OR attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    last_error   = $2,
    completed_at = CASE WHEN $3::boolean OR attempts >= max_attempts THEN now() ELSE NULL END,
    started_at   = CASE WHEN $3::boolean OR attempts >= max_attempts THEN started_at ELSE NULL END,
    heartbeat_at = NULL
WHERE id = $1 AND status = 'processing'
RETURNING status`

// Fail records errMsg as last_error for a job the caller holds and either
// fails it permanently (permanent=true, or attempts exhausted) or returns it
// to pending for retry. The returned status is empty when the job was no
// longer owned by the caller — a logged anomaly, not an error.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string, permanent bool) (JobStatus, error) {
	var status JobStatus
	err := s.pool.QueryRow(ctx, failJobSQL, id, errMsg, permanent).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	return status, nil
}

// Cancel marks a single non-terminal job cancelled. Idempotent: returns the
// number of rows affected (0 when the job is already terminal or missing).
// A worker mid-processing is not preempted; its eventual Complete/Fail will
// no-op against the cancelled row.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = now(), heartbeat_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		return 0, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

// CancelOwner cancels every non-terminal job belonging to ownerKey. Used for
// "stop ingesting this source" fan-out.
func (s *Store) CancelOwner(ctx context.Context, ownerKey string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'cancelled', completed_at = now(), heartbeat_at = NULL
		WHERE owner_key = $1 AND status IN ('pending', 'processing')`, ownerKey)
	if err != nil {
		return 0, fmt.Errorf("cancel owner %q: %w", ownerKey, err)
	}
	return tag.RowsAffected(), nil
}

// reapStaleSQL recovers processing rows whose heartbeat has gone silent.
// SKIP LOCKED makes it safe to run from every replica concurrently — two
// reapers select disjoint stale sets, so no row is double-requeued. Rows with
// attempts remaining go back to pending (the claim already charged the
// attempt); exhausted rows fail with the stale message. Requeue leaves
// last_error untouched so a prior processor failure stays diagnosable.
const reapStaleSQL = `
WITH stale AS (
    SELECT id
    FROM jobs
    WHERE status = 'processing'
      AND heartbeat_at < now() - make_interval(secs => $1)
    FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
SET status       = CASE WHEN j.attempts >= j.max_attempts THEN 'failed' ELSE 'pending' END,
    last_error   = CASE WHEN j.attempts >= j.max_attempts THEN $2 ELSE j.last_error END,
    completed_at = CASE WHEN j.attempts >= j.max_attempts THEN now() ELSE NULL END,
    started_at   = CASE WHEN j.attempts >= j.max_attempts THEN j.started_at ELSE NULL END,
    heartbeat_at = NULL
FROM stale
WHERE j.id = stale.id
RETURNING j.status`

// ReapStale requeues or fails every processing job whose heartbeat is older
// than olderThan. Returns how many were requeued and how many permanently
// failed.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) (requeued, failed int, err error) {
	rows, err := s.pool.Query(ctx, reapStaleSQL, olderThan.Seconds(), StaleError)
	if err != nil {
		return 0, 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status JobStatus
		if err := rows.Scan(&status); err != nil {
			return 0, 0, fmt.Errorf("reap stale jobs: scan: %w", err)
		}
		if status == StatusFailed {
			failed++
		} else {
			requeued++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("reap stale jobs: %w", err)
	}
	return requeued, failed, nil
}

const jobColumns = `id, owner_key, job_type, status, priority, payload,
	attempts, max_attempts, last_error, created_at, started_at, completed_at, heartbeat_at`

// GetJob returns the job row for the given ID, or (nil, nil) if it does not
// exist.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// ListJobsParams are the optional filters for ListJobs. AfterTime/AfterID
// form a (created_at, id) keyset cursor.
type ListJobsParams struct {
	OwnerKey  *string
	Status    *JobStatus
	AfterTime *time.Time
	AfterID   *uuid.UUID
	Limit     int
}

// ListJobs returns a page of jobs ordered by created_at DESC, id DESC,
// filtered by owner and/or status. Read-only status surface for progress UIs.
func (s *Store) ListJobs(ctx context.Context, p ListJobsParams) ([]Job, error) {
	if p.Limit <= 0 || p.Limit > 200 {
		p.Limit = 50
	}

	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	sb := psql.
		Select(jobColumns).
		From("jobs").
		OrderBy("created_at DESC, id DESC").
		Limit(uint64(p.Limit)) //nolint:gosec // G115: limit clamped above

	if p.OwnerKey != nil {
		sb = sb.Where(sq.Eq{"owner_key": *p.OwnerKey})
	}
	if p.Status != nil {
		sb = sb.Where(sq.Eq{"status": string(*p.Status)})
	}
	if p.AfterTime != nil && p.AfterID != nil {
		sb = sb.Where("(created_at, id) < (?, ?)", *p.AfterTime, *p.AfterID)
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list jobs: build query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		result = append(result, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return result, nil
}

// CountByStatus returns the number of jobs in each status. Used by the health
// endpoint and for queue-depth visibility.
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int64)
	for rows.Next() {
		var status JobStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count jobs by status: scan: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	return counts, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.OwnerKey, &j.Type, &j.Status, &j.Priority, &j.Payload,
		&j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
