package engine

import (
	"errors"
	"time"
)

// ErrAlreadyRunning is returned by RunCycle when another cycle holds the guard.
var ErrAlreadyRunning = errors.New("sync cycle already running")

// Outcome is the result class of one cycle, as reported to the scheduler.
type Outcome string

const (
	// Success means every attempted item reached a terminal state or was
	// surfaced as a conflict.
	Success Outcome = "SUCCESS"

	// RetryableFailure means transient work remains: an item is waiting on
	// backoff, the network was unreachable, or the cycle was cancelled.
	RetryableFailure Outcome = "RETRYABLE_FAILURE"

	// PermanentFailure means the store failed or an item was marked FAILED
	// and needs an operator.
	PermanentFailure Outcome = "PERMANENT_FAILURE"
)

// Report summarizes one cycle.
type Report struct {
	CycleID    string    `json:"cycle_id"`
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Drained   int `json:"drained"`   // operations applied in the drain step
	Pushed    int `json:"pushed"`    // records applied in the push step
	Pulled    int `json:"pulled"`    // server copies compared
	Conflicts int `json:"conflicts"` // records moved to CONFLICT
	Orphaned  int `json:"orphaned"`  // records whose remote copy is gone
	Failed    int `json:"failed"`    // records or operations marked FAILED
	Retried   int `json:"retried"`   // transient failures left for a later cycle
	Deferred  int `json:"deferred"`  // items skipped while backing off

	// Aborted names the step that stopped the cycle early, if any.
	Aborted string `json:"aborted,omitempty"`

	// Err is the cycle-level error that caused the abort.
	Err error `json:"-"`
}

// outcome derives the Outcome from the counters and the abort cause.
func (r *Report) outcome(storageFailure bool) Outcome {
	switch {
	case storageFailure:
		return PermanentFailure
	case r.Aborted != "":
		return RetryableFailure
	case r.Retried > 0 || r.Deferred > 0:
		return RetryableFailure
	case r.Failed > 0:
		return PermanentFailure
	default:
		return Success
	}
}
