// Package worker provides the runtime that claims jobs from the jobs table
// using FOR UPDATE SKIP LOCKED and executes them.
//
// Processors are registered per job type before calling Pool.Start. The pool
// runs one claim loop with jittered backoff plus a stale-job reaper; each
// claimed job executes on its own goroutine with a dedicated heartbeat timer
// scoped to the processor invocation.
package worker

import (
	"context"
	"errors"

	"github.com/chipp-ai/dispatch/internal/store"
)

// Processor is the function executed for each claimed job. A nil return marks
// the job completed. A non-nil return records last_error and retries up to
// max_attempts, unless the error is wrapped with [Permanent].
//
// Processors must tolerate being invoked more than once for the same job
// (at-least-once delivery): a crashed worker's jobs are re-run after reaping.
type Processor func(ctx context.Context, job store.ClaimedJob) error

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err to mark a processing failure as non-retryable
// (malformed input, unsupported content type). The runtime fails the job
// immediately instead of spending remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain was wrapped with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
