// Package retry classifies sync failures and computes exponential backoff.
//
// Classification is a pure function over the syncerr taxonomy. The running
// retry count is not kept in memory: it is read back from the newest audit
// entry of the same operation class for the entity, so backoff survives a
// process restart and push and pull runs never mix.
package retry

import (
	"time"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
)

// Class is the retry disposition of an error.
type Class int

const (
	// Transient failures are retried with backoff.
	Transient Class = iota + 1

	// Permanent failures mark the record FAILED and are not retried.
	Permanent

	// Conflict failures are routed to the conflict resolver.
	Conflict
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Defaults used when a Policy field is zero.
const (
	DefaultBase       = 30 * time.Second
	DefaultMax        = time.Hour
	DefaultMaxRetries = 5
)

// Policy computes retry timing.
//
// Backoff for the n-th consecutive failure is Base * 2^(n-1), capped at Max.
// After MaxRetries consecutive failures the next one exhausts the policy.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultPolicy returns base 30s, max 1h, 5 retries.
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, MaxRetries: DefaultMaxRetries}
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	return p
}

// Classify maps err to its retry class.
//
// Transient errors (name resolution, timeouts, 5xx) are retried. Conflicts go
// to the resolver. Everything else, including unclassified errors, is Permanent.
func Classify(err error) Class {
	switch syncerr.KindOf(err) {
	case syncerr.KindTransient:
		return Transient
	case syncerr.KindConflict:
		return Conflict
	default:
		return Permanent
	}
}

// Backoff returns the wait after the retryCount-th consecutive failure.
// retryCount 1 waits Base, 2 waits 2*Base, 3 waits 4*Base, up to Max.
// A retryCount below 1 waits nothing.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}
	p = p.withDefaults()

	d := p.Base
	for i := 1; i < retryCount; i++ {
		// Stop before doubling can overflow.
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether retryCount consecutive failures exceed the policy.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount > p.withDefaults().MaxRetries
}

// Limit returns the effective retry limit.
func (p Policy) Limit() int {
	return p.withDefaults().MaxRetries
}

// NextCount returns the retry count to record for a new transient failure,
// given the newest audit entry for the entity (if any). Only an unbroken run
// of RETRY entries counts; any other outcome resets the run.
func NextCount(last ledger.SyncLogEntry, ok bool) int {
	if !ok || last.Status != ledger.LogRetry {
		return 1
	}
	return last.RetryCount + 1
}

// Ready reports whether an entity whose newest audit entry is last may be
// attempted at now. Entities without a pending RETRY are always ready.
func (p Policy) Ready(last ledger.SyncLogEntry, ok bool, now time.Time) bool {
	if !ok || last.Status != ledger.LogRetry {
		return true
	}
	return !now.Before(p.NextAttempt(last))
}

// NextAttempt returns the earliest time the entity behind a RETRY entry may
// be attempted again.
func (p Policy) NextAttempt(last ledger.SyncLogEntry) time.Time {
	return last.Timestamp.Add(p.Backoff(last.RetryCount))
}

// Pull failures never park a SYNCED record, so a FAILED pull entry extends
// the backoff run like a RETRY does.
func pullRun(last ledger.SyncLogEntry, ok bool) bool {
	if !ok || last.Operation != ledger.AuditPull {
		return false
	}
	return last.Status == ledger.LogRetry || last.Status == ledger.LogFailed
}

// NextPullCount returns the retry count to record for a failed pull, given
// the newest audit entry for the record.
func NextPullCount(last ledger.SyncLogEntry, ok bool) int {
	if !pullRun(last, ok) {
		return 1
	}
	return last.RetryCount + 1
}

// PullReady reports whether a SYNCED record whose newest audit entry is last
// may be pulled at now.
func (p Policy) PullReady(last ledger.SyncLogEntry, ok bool, now time.Time) bool {
	if !pullRun(last, ok) {
		return true
	}
	return !now.Before(p.NextAttempt(last))
}
