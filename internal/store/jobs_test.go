// ABOUTME: Integration tests for store/jobs.go — claim, heartbeat, retry,
// ABOUTME: cancel, and reap semantics. Uses testutil.NewTestDB; t.Parallel.
package store_test

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chipp-ai/dispatch/internal/store"
	"github.com/chipp-ai/dispatch/internal/testutil"
)

// mustEnqueue enqueues a job or fatals. Payload defaults to {}.
func mustEnqueue(t *testing.T, s *testutil.TestDB, ctx context.Context, p store.EnqueueParams) uuid.UUID {
	t.Helper()
	id, err := s.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

// mustClaimOne claims exactly one job or fatals.
func mustClaimOne(t *testing.T, s *testutil.TestDB, ctx context.Context) store.ClaimedJob {
	t.Helper()
	jobs, err := s.Claim(ctx, 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Claim returned %d jobs, want 1", len(jobs))
	}
	return jobs[0]
}

// mustGetJob reads a job row or fatals.
func mustGetJob(t *testing.T, s *testutil.TestDB, ctx context.Context, id uuid.UUID) *store.Job {
	t.Helper()
	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob(%v): %v", id, err)
	}
	if j == nil {
		t.Fatalf("GetJob(%v): not found", id)
	}
	return j
}

// setCreatedAt backdates created_at via raw SQL for deterministic ordering.
func setCreatedAt(t *testing.T, s *testutil.TestDB, ctx context.Context, id uuid.UUID, at time.Time) {
	t.Helper()
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE jobs SET created_at = $2 WHERE id = $1`, id, at); err != nil {
		t.Fatalf("setCreatedAt(%v): %v", id, err)
	}
}

// backdateHeartbeat ages heartbeat_at via raw SQL to simulate a dead worker.
func backdateHeartbeat(t *testing.T, s *testutil.TestDB, ctx context.Context, id uuid.UUID, age time.Duration) {
	t.Helper()
	if _, err := s.DB().ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = now() - make_interval(secs => $2) WHERE id = $1`,
		id, age.Seconds()); err != nil {
		t.Fatalf("backdateHeartbeat(%v): %v", id, err)
	}
}

func TestEnqueueAndGetJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"url":"https://example.com/docs"}`)
	id := mustEnqueue(t, s, ctx, store.EnqueueParams{
		OwnerKey: "app-1/src-42",
		Type:     "url_fetch",
		Payload:  payload,
		Priority: 3,
	})

	j := mustGetJob(t, s, ctx, id)
	if j.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.OwnerKey != "app-1/src-42" || j.Type != "url_fetch" || j.Priority != 3 {
		t.Errorf("row fields = %q/%q/%d, want app-1/src-42/url_fetch/3", j.OwnerKey, j.Type, j.Priority)
	}
	if j.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", j.Attempts)
	}
	if j.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", j.MaxAttempts)
	}
	if j.StartedAt != nil || j.CompletedAt != nil || j.HeartbeatAt != nil {
		t.Error("lifecycle timestamps should be null before claim")
	}

	// Missing row reads as (nil, nil).
	missing, err := s.GetJob(ctx, uuid.New())
	if err != nil {
		t.Fatalf("GetJob(missing): %v", err)
	}
	if missing != nil {
		t.Error("GetJob(missing) should return nil")
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, store.EnqueueParams{Type: "url_fetch"}); err == nil {
		t.Error("Enqueue without owner_key should fail")
	}
	if _, err := s.Enqueue(ctx, store.EnqueueParams{OwnerKey: "o"}); err == nil {
		t.Error("Enqueue without type should fail")
	}
}

func TestClaimPriorityOrdering(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC()
	low0 := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", Priority: 0})
	high := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", Priority: 5})
	low2 := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", Priority: 0})
	setCreatedAt(t, s, ctx, low0, base)
	setCreatedAt(t, s, ctx, high, base.Add(time.Second))
	setCreatedAt(t, s, ctx, low2, base.Add(2*time.Second))

	// Priority dominates: the p=5 job claims first even though it is not oldest.
	if got := mustClaimOne(t, s, ctx); got.ID != high {
		t.Errorf("first claim = %v, want high-priority job %v", got.ID, high)
	}
	// Within equal priority, FIFO by creation time.
	if got := mustClaimOne(t, s, ctx); got.ID != low0 {
		t.Errorf("second claim = %v, want oldest low-priority job %v", got.ID, low0)
	}
	if got := mustClaimOne(t, s, ctx); got.ID != low2 {
		t.Errorf("third claim = %v, want %v", got.ID, low2)
	}
}

func TestClaimStampsOwnership(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	claimed := mustClaimOne(t, s, ctx)
	if claimed.ID != id {
		t.Fatalf("claimed %v, want %v", claimed.ID, id)
	}
	if claimed.Attempts != 1 {
		t.Errorf("claimed attempts = %d, want 1", claimed.Attempts)
	}

	j := mustGetJob(t, s, ctx, id)
	if j.Status != store.StatusProcessing {
		t.Errorf("status = %q, want processing", j.Status)
	}
	if j.StartedAt == nil || j.HeartbeatAt == nil {
		t.Error("started_at and heartbeat_at must be set on claim")
	}

	// Nothing left to claim.
	rest, err := s.Claim(ctx, 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("second claim returned %d jobs, want 0", len(rest))
	}
}

// TestNoDoubleClaim spawns concurrent claimers against a fixed pending set and
// asserts every job is claimed exactly once across all of them.
func TestNoDoubleClaim(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const jobCount = 40
	const claimers = 8

	want := make(map[uuid.UUID]bool, jobCount)
	for i := 0; i < jobCount; i++ {
		want[mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})] = true
	}

	var mu sync.Mutex
	counts := make(map[uuid.UUID]int, jobCount)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := s.Claim(ctx, 3)
				if err != nil {
					t.Errorf("Claim: %v", err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					counts[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(counts) != jobCount {
		t.Fatalf("claimed %d distinct jobs, want %d", len(counts), jobCount)
	}
	for id, n := range counts {
		if n != 1 {
			t.Errorf("job %v claimed %d times", id, n)
		}
		if !want[id] {
			t.Errorf("claimed unknown job %v", id)
		}
	}
}

func TestAttemptsMonotonicAcrossRequeue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", MaxAttempts: 5})

	// Claim → soft fail → claim: attempts 1, then 2; never resets.
	if got := mustClaimOne(t, s, ctx); got.Attempts != 1 {
		t.Fatalf("attempts after first claim = %d, want 1", got.Attempts)
	}
	if _, err := s.Fail(ctx, id, "transient", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if j := mustGetJob(t, s, ctx, id); j.Attempts != 1 {
		t.Errorf("attempts after requeue = %d, want 1 (no reset)", j.Attempts)
	}
	if got := mustClaimOne(t, s, ctx); got.Attempts != 2 {
		t.Errorf("attempts after second claim = %d, want 2", got.Attempts)
	}
}

func TestHeartbeatRefreshesOwnedJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	mustClaimOne(t, s, ctx)
	backdateHeartbeat(t, s, ctx, id, time.Minute)
	before := *mustGetJob(t, s, ctx, id).HeartbeatAt

	owned, err := s.Heartbeat(ctx, id)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !owned {
		t.Fatal("Heartbeat should report owned for a processing job")
	}
	after := *mustGetJob(t, s, ctx, id).HeartbeatAt
	if !after.After(before) {
		t.Errorf("heartbeat_at not advanced: before=%v after=%v", before, after)
	}
}

func TestTerminalFinality(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	mustClaimOne(t, s, ctx)
	owned, err := s.Complete(ctx, id)
	if err != nil || !owned {
		t.Fatalf("Complete = (%v, %v), want (true, nil)", owned, err)
	}
	snapshot := *mustGetJob(t, s, ctx, id)

	// Idempotent completion: a second Complete is a no-op, not an error.
	owned, err = s.Complete(ctx, id)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if owned {
		t.Error("second Complete should report not-owned")
	}

	// Heartbeat and Fail against a terminal row are no-ops too.
	if owned, err := s.Heartbeat(ctx, id); err != nil || owned {
		t.Errorf("Heartbeat on terminal = (%v, %v), want (false, nil)", owned, err)
	}
	if status, err := s.Fail(ctx, id, "late failure", false); err != nil || status != "" {
		t.Errorf("Fail on terminal = (%q, %v), want (\"\", nil)", status, err)
	}
	if n, err := s.Cancel(ctx, id); err != nil || n != 0 {
		t.Errorf("Cancel on terminal = (%d, %v), want (0, nil)", n, err)
	}

	// No field changed.
	after := *mustGetJob(t, s, ctx, id)
	if !reflect.DeepEqual(after, snapshot) {
		t.Errorf("terminal row mutated:\nbefore %+v\nafter  %+v", snapshot, after)
	}
}

// TestRetryThenSucceed runs the concrete scenario: max_attempts=3, two
// transient failures, then success. Final state is completed with attempts=3
// and last_error retaining the second failure message.
func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", MaxAttempts: 3})

	mustClaimOne(t, s, ctx)
	status, err := s.Fail(ctx, id, "connection reset", false)
	if err != nil {
		t.Fatalf("Fail 1: %v", err)
	}
	if status != store.StatusPending {
		t.Fatalf("after failure 1: status = %q, want pending", status)
	}

	mustClaimOne(t, s, ctx)
	status, err = s.Fail(ctx, id, "rate limited", false)
	if err != nil {
		t.Fatalf("Fail 2: %v", err)
	}
	if status != store.StatusPending {
		t.Fatalf("after failure 2: status = %q, want pending", status)
	}

	mustClaimOne(t, s, ctx)
	if owned, err := s.Complete(ctx, id); err != nil || !owned {
		t.Fatalf("Complete = (%v, %v), want (true, nil)", owned, err)
	}

	j := mustGetJob(t, s, ctx, id)
	if j.Status != store.StatusCompleted {
		t.Errorf("status = %q, want completed", j.Status)
	}
	if j.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", j.Attempts)
	}
	if j.LastError == nil || *j.LastError != "rate limited" {
		t.Errorf("last_error = %v, want %q (most recent failure retained)", j.LastError, "rate limited")
	}
}

func TestFailExhaustsAttempts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", MaxAttempts: 2})

	mustClaimOne(t, s, ctx)
	if status, _ := s.Fail(ctx, id, "boom", false); status != store.StatusPending {
		t.Fatalf("first failure status = %q, want pending", status)
	}
	mustClaimOne(t, s, ctx)
	status, err := s.Fail(ctx, id, "boom again", false)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != store.StatusFailed {
		t.Errorf("exhausted status = %q, want failed", status)
	}
	j := mustGetJob(t, s, ctx, id)
	if j.CompletedAt == nil {
		t.Error("completed_at must be set on permanent failure")
	}
}

func TestFailPermanentSkipsRetries(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", MaxAttempts: 5})
	mustClaimOne(t, s, ctx)

	status, err := s.Fail(ctx, id, "unsupported content type", true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != store.StatusFailed {
		t.Errorf("permanent failure status = %q, want failed with 4 attempts left", status)
	}
}

func TestCancelPendingAndProcessing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	pending := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	if n, err := s.Cancel(ctx, pending); err != nil || n != 1 {
		t.Fatalf("Cancel(pending) = (%d, %v), want (1, nil)", n, err)
	}
	// Idempotent.
	if n, err := s.Cancel(ctx, pending); err != nil || n != 0 {
		t.Errorf("Cancel(cancelled) = (%d, %v), want (0, nil)", n, err)
	}

	// Cancelling a processing job does not preempt the worker, but the
	// worker's completion report becomes a no-op.
	running := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	mustClaimOne(t, s, ctx)
	if n, err := s.Cancel(ctx, running); err != nil || n != 1 {
		t.Fatalf("Cancel(processing) = (%d, %v), want (1, nil)", n, err)
	}
	if owned, err := s.Complete(ctx, running); err != nil || owned {
		t.Errorf("Complete after cancel = (%v, %v), want (false, nil)", owned, err)
	}
	if j := mustGetJob(t, s, ctx, running); j.Status != store.StatusCancelled {
		t.Errorf("status = %q, want cancelled", j.Status)
	}
}

func TestCancelOwnerFanOut(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "app-1/src-9", Type: "t"})
	}
	other := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "app-2/src-1", Type: "t"})

	n, err := s.CancelOwner(ctx, "app-1/src-9")
	if err != nil {
		t.Fatalf("CancelOwner: %v", err)
	}
	if n != 3 {
		t.Errorf("cancelled %d jobs, want 3", n)
	}
	if j := mustGetJob(t, s, ctx, other); j.Status != store.StatusPending {
		t.Errorf("unrelated owner's job status = %q, want pending", j.Status)
	}
}

func TestReapStaleRequeues(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", MaxAttempts: 3})
	mustClaimOne(t, s, ctx)
	// Simulate a worker that died without heartbeating.
	backdateHeartbeat(t, s, ctx, id, 10*time.Minute)

	requeued, failed, err := s.ReapStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("ReapStale = (%d, %d), want (1, 0)", requeued, failed)
	}

	j := mustGetJob(t, s, ctx, id)
	if j.Status != store.StatusPending {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (charged at claim, not at reap)", j.Attempts)
	}
	if j.HeartbeatAt != nil || j.StartedAt != nil {
		t.Error("heartbeat_at and started_at must be cleared on requeue")
	}
	if j.LastError != nil {
		t.Errorf("requeue should not write last_error, got %q", *j.LastError)
	}
}

// TestReapStaleExhausted runs the concrete scenario: max_attempts=1, worker
// crashes without heartbeating. The single attempt was consumed at claim time,
// so the reaper fails the job with the stale message.
func TestReapStaleExhausted(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t", MaxAttempts: 1})
	mustClaimOne(t, s, ctx)
	backdateHeartbeat(t, s, ctx, id, 10*time.Minute)

	requeued, failed, err := s.ReapStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("ReapStale = (%d, %d), want (0, 1)", requeued, failed)
	}

	j := mustGetJob(t, s, ctx, id)
	if j.Status != store.StatusFailed {
		t.Errorf("status = %q, want failed", j.Status)
	}
	if j.LastError == nil || *j.LastError != store.StaleError {
		t.Errorf("last_error = %v, want %q", j.LastError, store.StaleError)
	}
}

func TestReapStaleIgnoresLiveJobs(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	id := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	mustClaimOne(t, s, ctx) // fresh heartbeat

	requeued, failed, err := s.ReapStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReapStale: %v", err)
	}
	if requeued != 0 || failed != 0 {
		t.Errorf("ReapStale = (%d, %d), want (0, 0) for a live job", requeued, failed)
	}
	if j := mustGetJob(t, s, ctx, id); j.Status != store.StatusProcessing {
		t.Errorf("status = %q, want processing", j.Status)
	}
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	a1 := mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "owner-a", Type: "t"})
	mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "owner-a", Type: "t"})
	mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "owner-b", Type: "t"})

	ownerA := "owner-a"
	jobs, err := s.ListJobs(ctx, store.ListJobsParams{OwnerKey: &ownerA})
	if err != nil {
		t.Fatalf("ListJobs(owner): %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("ListJobs(owner-a) returned %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.OwnerKey != "owner-a" {
			t.Errorf("owner filter leaked job for %q", j.OwnerKey)
		}
	}

	// Status filter after cancelling one.
	if _, err := s.Cancel(ctx, a1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled := store.StatusCancelled
	jobs, err = s.ListJobs(ctx, store.ListJobsParams{OwnerKey: &ownerA, Status: &cancelled})
	if err != nil {
		t.Fatalf("ListJobs(status): %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != a1 {
		t.Errorf("status filter returned %d jobs, want the cancelled one", len(jobs))
	}

	// Keyset pagination: page of 2, then the cursor yields the remainder.
	all, err := s.ListJobs(ctx, store.ListJobsParams{Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs(page 1): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("page 1 returned %d jobs, want 2", len(all))
	}
	last := all[len(all)-1]
	rest, err := s.ListJobs(ctx, store.ListJobsParams{AfterTime: &last.CreatedAt, AfterID: &last.ID})
	if err != nil {
		t.Fatalf("ListJobs(page 2): %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("page 2 returned %d jobs, want 1", len(rest))
	}
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	mustEnqueue(t, s, ctx, store.EnqueueParams{OwnerKey: "o", Type: "t"})
	mustClaimOne(t, s, ctx)

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[store.StatusPending] != 1 || counts[store.StatusProcessing] != 1 {
		t.Errorf("counts = %v, want pending=1 processing=1", counts)
	}
}
