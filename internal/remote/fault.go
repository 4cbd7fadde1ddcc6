package remote

import (
	"context"
	"sync"

	"github.com/roach88/tally/internal/ledger"
)

// Flaky wraps a Client and fails calls from a script before delegating.
// Each scripted error is consumed by exactly one call; once the script for
// a method is empty, calls pass through.
//
// Used by the scenario harness and orchestrator tests to inject transient,
// unreachable and permanent failures deterministically.
type Flaky struct {
	Client

	mu         sync.Mutex
	pushFaults []error
	pullFaults []error
	pushCalls  int
	pullCalls  int
}

// NewFlaky wraps c.
func NewFlaky(c Client) *Flaky {
	return &Flaky{Client: c}
}

// FailPush queues errors returned by the next pushes, in order.
func (f *Flaky) FailPush(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushFaults = append(f.pushFaults, errs...)
}

// FailPull queues errors returned by the next pulls, in order.
func (f *Flaky) FailPull(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullFaults = append(f.pullFaults, errs...)
}

// Calls returns how many pushes and pulls were attempted, failed ones included.
func (f *Flaky) Calls() (push, pull int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushCalls, f.pullCalls
}

// Push implements Client.
func (f *Flaky) Push(ctx context.Context, rec ledger.Record) (Ack, error) {
	f.mu.Lock()
	f.pushCalls++
	var err error
	if len(f.pushFaults) > 0 {
		err, f.pushFaults = f.pushFaults[0], f.pushFaults[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return Ack{}, err
	}
	return f.Client.Push(ctx, rec)
}

// Pull implements Client.
func (f *Flaky) Pull(ctx context.Context, serverID string) (ledger.Record, error) {
	f.mu.Lock()
	f.pullCalls++
	var err error
	if len(f.pullFaults) > 0 {
		err, f.pullFaults = f.pullFaults[0], f.pullFaults[1:]
	}
	f.mu.Unlock()

	if err != nil {
		return ledger.Record{}, err
	}
	return f.Client.Pull(ctx, serverID)
}
