package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/tally/internal/conflict"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/retry"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/syncerr"
)

// DefaultBatchSize bounds the work of each step per cycle.
const DefaultBatchSize = 50

// DefaultCallTimeout bounds every remote call made by a cycle.
const DefaultCallTimeout = 15 * time.Second

// Orchestrator runs sync cycles.
//
// Thread-safety model:
//   - RunCycle(): safe from any goroutine; concurrent calls are rejected
//     with ErrAlreadyRunning rather than queued
//   - Cleanup(), Reset(): safe from any goroutine, independent of cycles
type Orchestrator struct {
	store    *store.Store
	client   remote.Client
	resolver *conflict.Resolver
	policy   retry.Policy
	logger   zerolog.Logger
	cycleIDs ledger.IDGenerator

	batchSize   int
	callTimeout time.Duration

	guard *semaphore.Weighted

	// pullCursor is the id after which the next pull batch starts.
	// Only touched while holding guard.
	pullCursor string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the retry policy. Default: retry.DefaultPolicy().
func WithPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithResolver replaces the conflict resolver built from the store.
func WithResolver(r *conflict.Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = r
	}
}

// WithCycleIDs sets the generator for cycle ids. Default: UUIDv7.
func WithCycleIDs(g ledger.IDGenerator) Option {
	return func(o *Orchestrator) {
		o.cycleIDs = g
	}
}

// WithBatchSize sets the per-step batch bound. Default: DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithCallTimeout sets the per-call remote timeout. Default: DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// New creates an Orchestrator over s and client. Time comes from the
// store's clock so audit entries, backoff and records agree.
func New(s *store.Store, client remote.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       s,
		client:      client,
		policy:      retry.DefaultPolicy(),
		logger:      zerolog.Nop(),
		cycleIDs:    ledger.UUIDv7Generator{},
		batchSize:   DefaultBatchSize,
		callTimeout: DefaultCallTimeout,
		guard:       semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "engine").Logger()
	if o.resolver == nil {
		o.resolver = conflict.NewResolver(s, o.logger)
	}
	return o
}

// Resolver returns the conflict resolver used by cycles.
func (o *Orchestrator) Resolver() *conflict.Resolver {
	return o.resolver
}

// RunCycle runs one sync cycle.
//
// The returned error is non-nil only when no cycle ran (ErrAlreadyRunning).
// Failures inside the cycle are reported through Report.Outcome and
// Report.Err, after the terminal audit entry was written.
func (o *Orchestrator) RunCycle(ctx context.Context) (Report, error) {
	if !o.guard.TryAcquire(1) {
		return Report{}, ErrAlreadyRunning
	}
	defer o.guard.Release(1)

	c := &cycle{
		o:         o,
		attempted: make(map[string]bool),
		report: Report{
			CycleID:   o.cycleIDs.NewID(),
			StartedAt: o.now(),
		},
	}
	log := o.logger.With().Str("cycle", c.report.CycleID).Logger()
	c.log = log

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"drain", c.drain},
		{"push", c.pushPending},
		{"pull", c.pull},
	}

	work := context.WithoutCancel(ctx)
	storageFailure := false
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			c.report.Aborted = step.name
			c.report.Err = err
			break
		}
		if err := step.run(work); err != nil {
			c.report.Aborted = step.name
			c.report.Err = err
			storageFailure = !syncerr.IsUnreachable(err)
			log.Warn().Err(err).Str("step", step.name).Msg("cycle aborted")
			break
		}
	}

	c.report.Outcome = c.report.outcome(storageFailure)
	c.report.FinishedAt = o.now()
	c.finish(work)

	log.Info().
		Str("outcome", string(c.report.Outcome)).
		Int("drained", c.report.Drained).
		Int("pushed", c.report.Pushed).
		Int("pulled", c.report.Pulled).
		Int("conflicts", c.report.Conflicts).
		Int("failed", c.report.Failed).
		Int("retried", c.report.Retried).
		Int("deferred", c.report.Deferred).
		Msg("cycle finished")
	return c.report, nil
}

// CleanupResult counts what a maintenance run pruned.
type CleanupResult struct {
	Horizon    time.Time `json:"horizon"`
	LogsPruned int64     `json:"logs_pruned"`
	OpsPruned  int64     `json:"ops_pruned"`
}

// Cleanup prunes audit entries and processed operations strictly older than
// now minus retention. Running it twice in a row prunes nothing the second
// time. It does not take the cycle guard.
func (o *Orchestrator) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	res := CleanupResult{Horizon: o.now().Add(-retention)}

	var err error
	if res.LogsPruned, err = o.store.Cleanup(ctx, res.Horizon); err != nil {
		return res, err
	}
	if res.OpsPruned, err = o.store.PruneProcessed(ctx, res.Horizon); err != nil {
		return res, err
	}
	o.logger.Info().
		Time("horizon", res.Horizon).
		Int64("logs", res.LogsPruned).
		Int64("ops", res.OpsPruned).
		Msg("cleanup")
	return res, nil
}

// Reset moves a FAILED record back to PENDING with a fresh outbox
// operation. An orphaned record loses its serverId so the next push
// recreates it remotely.
func (o *Orchestrator) Reset(ctx context.Context, id string) (ledger.Record, error) {
	var rec ledger.Record
	err := o.store.Atomically(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != ledger.StatusFailed {
			return syncerr.Validation("reset", &ledger.TransitionError{RecordID: id, From: rec.Status, To: ledger.StatusPending})
		}
		if rec.Orphaned {
			rec.Orphaned = false
			rec.ServerID = ""
			rec.RemoteVersion = 0
		}
		if err := rec.Transition(ledger.StatusPending); err != nil {
			return err
		}
		rec.UpdatedAt = o.now()
		_, err = tx.Mutate(ctx, rec, opKindFor(rec))
		return err
	})
	if err != nil {
		return ledger.Record{}, err
	}

	o.audit(ctx, o.logger, ledger.SyncLogEntry{
		Operation:  ledger.AuditReset,
		EntityType: ledger.EntityTransaction,
		EntityID:   id,
		Status:     ledger.LogResolved,
	})
	return rec, nil
}

// opKindFor picks the outbox operation that re-pushes rec as it stands.
func opKindFor(rec ledger.Record) ledger.OpKind {
	switch {
	case rec.IsDeleted:
		return ledger.OpDelete
	case rec.Acknowledged():
		return ledger.OpUpdate
	default:
		return ledger.OpCreate
	}
}

func (o *Orchestrator) now() time.Time {
	return o.store.Clock().Now().UTC()
}

// audit appends entry. A failed write is logged and never propagates.
func (o *Orchestrator) audit(ctx context.Context, log zerolog.Logger, entry ledger.SyncLogEntry) {
	if _, err := o.store.Append(ctx, entry); err != nil {
		log.Warn().Err(err).
			Str("operation", entry.Operation).
			Str("entity", entry.EntityID).
			Msg("audit write failed")
	}
}
