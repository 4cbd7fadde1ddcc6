package remote

import (
	"context"
	"errors"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
)

// ErrNoRemote is the cause carried by every Offline failure.
var ErrNoRemote = errors.New("no remote configured")

// Offline is the Client used when no remote is configured. Every call fails
// as unreachable, so a cycle against it aborts without charging any record.
type Offline struct{}

// Push implements Client.
func (Offline) Push(context.Context, ledger.Record) (Ack, error) {
	return Ack{}, syncerr.Unreachable("push", ErrNoRemote)
}

// Pull implements Client.
func (Offline) Pull(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, syncerr.Unreachable("pull", ErrNoRemote)
}
