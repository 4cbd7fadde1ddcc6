package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/roach88/tally/internal/conflict"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/retry"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/syncerr"
)

// pushOperations are the audit operations that make up a record's push
// retry run. Pull entries are kept out so pull backoff never charges a push.
var pushOperations = []string{
	ledger.AuditDrain,
	ledger.AuditPush,
	ledger.AuditReset,
	ledger.AuditResolveLocal,
	ledger.AuditResolveServer,
}

// cycle is the state of one RunCycle invocation.
type cycle struct {
	o      *Orchestrator
	log    zerolog.Logger
	report Report

	// attempted holds record ids already handled this cycle, so the push
	// step never retries what the drain step just tried.
	attempted map[string]bool
}

// drain pushes the snapshots of live outbox operations.
func (c *cycle) drain(ctx context.Context) error {
	ops, err := c.o.store.DequeueBatch(ctx, c.o.batchSize)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := c.drainOne(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func (c *cycle) drainOne(ctx context.Context, op ledger.OfflineOperation) error {
	rec, err := c.o.store.Get(ctx, op.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		// Reaping skips records with live operations; a dangling op can only
		// come from a manual edit of the database.
		c.log.Warn().Str("op", op.ID).Str("record", op.RecordID).Msg("operation without record")
		_, err := c.o.store.MarkProcessed(ctx, op.ID, ledger.OutcomeFailed)
		return err
	}
	if err != nil {
		return err
	}
	if c.attempted[rec.ID] {
		return nil
	}
	c.attempted[rec.ID] = true

	if rec.Status != ledger.StatusPending {
		_, err := c.o.store.MarkProcessed(ctx, op.ID, ledger.OutcomeSuperseded)
		return err
	}

	snap, err := op.Record()
	if err != nil {
		c.log.Error().Err(err).Str("op", op.ID).Msg("corrupt snapshot")
		return c.fail(ctx, ledger.AuditDrain, rec, 0, syncerr.Permanent("drain", err.Error()))
	}
	// Sync metadata may have advanced since enqueue; the snapshot only
	// carries the business state to push.
	snap.ServerID = rec.ServerID
	snap.RemoteVersion = rec.RemoteVersion

	return c.push(ctx, ledger.AuditDrain, rec, snap, &op)
}

// pushPending pushes PENDING records the drain step did not reach.
func (c *cycle) pushPending(ctx context.Context) error {
	recs, err := c.o.store.GetBySyncStatus(ctx, ledger.StatusPending, c.o.batchSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if c.attempted[rec.ID] {
			continue
		}
		c.attempted[rec.ID] = true
		if err := c.push(ctx, ledger.AuditPush, rec, rec, nil); err != nil {
			return err
		}
	}
	return nil
}

// push sends payload for rec and records the outcome. op is the outbox
// operation being drained, nil in the push step. Only cycle-level errors
// are returned.
func (c *cycle) push(ctx context.Context, operation string, rec, payload ledger.Record, op *ledger.OfflineOperation) error {
	last, ok, err := c.o.store.LatestForOperations(ctx, ledger.EntityTransaction, rec.ID, pushOperations...)
	if err != nil {
		return err
	}
	if !c.o.policy.Ready(last, ok, c.o.now()) {
		c.report.Deferred++
		c.log.Debug().Str("record", rec.ID).Time("next", c.o.policy.NextAttempt(last)).Msg("backing off")
		return nil
	}

	// The remote never saw this record, so there is nothing to delete there.
	if payload.IsDeleted && !rec.Acknowledged() {
		return c.acknowledge(ctx, operation, rec, payload.Version, remote.Ack{LastModified: c.o.now()}, op)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.o.callTimeout)
	ack, err := c.o.client.Push(callCtx, payload)
	cancel()
	if err == nil {
		return c.acknowledge(ctx, operation, rec, payload.Version, ack, op)
	}
	if syncerr.IsUnreachable(err) {
		return err
	}

	switch {
	case syncerr.Is(err, syncerr.KindNotFound):
		return c.orphan(ctx, operation, rec, err)
	case retry.Classify(err) == retry.Conflict:
		return c.conflict(ctx, operation, rec, err)
	case retry.Classify(err) == retry.Transient:
		return c.retry(ctx, operation, rec, retry.NextCount(last, ok), err)
	default:
		return c.fail(ctx, operation, rec, 0, err)
	}
}

// retry records the count-th consecutive push failure, or fails the record
// once count exceeds the policy.
func (c *cycle) retry(ctx context.Context, operation string, rec ledger.Record, count int, cause error) error {
	if c.o.policy.Exhausted(count) {
		return c.fail(ctx, operation, rec, count, cause)
	}
	c.report.Retried++
	c.entry(ctx, operation, rec.ID, ledger.LogRetry, count, cause)
	c.log.Debug().Err(cause).Str("record", rec.ID).Int("retry", count).Msg("push failed, will retry")
	return nil
}

// acknowledge applies ack to the record. The record becomes SYNCED only if
// it was not edited while the push was in flight; otherwise it stays
// PENDING with its newer operation live and the new remote base recorded.
func (c *cycle) acknowledge(ctx context.Context, operation string, rec ledger.Record, pushed int64, ack remote.Ack, op *ledger.OfflineOperation) error {
	err := c.o.store.Atomically(ctx, func(tx *store.Tx) error {
		if op != nil {
			if _, err := tx.MarkProcessed(ctx, op.ID, ledger.OutcomeApplied); err != nil {
				return err
			}
		}
		cur, err := tx.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if ack.ServerID != "" {
			cur.ServerID = ack.ServerID
			cur.RemoteVersion = ack.Version
		}
		if cur.Version == pushed && cur.Status == ledger.StatusPending {
			if err := cur.Transition(ledger.StatusSynced); err != nil {
				return err
			}
			cur.LastModified = ack.LastModified
			if _, err := tx.RetireLive(ctx, cur.ID, ledger.OutcomeApplied); err != nil {
				return err
			}
		}
		return tx.Upsert(ctx, cur)
	})
	if err != nil {
		return err
	}

	if op != nil {
		c.report.Drained++
	} else {
		c.report.Pushed++
	}
	c.entry(ctx, operation, rec.ID, ledger.LogSynced, 0, nil)
	return nil
}

// conflict parks the record in CONFLICT with the server copy carried by err,
// or pulled when the rejection did not include it.
func (c *cycle) conflict(ctx context.Context, operation string, rec ledger.Record, cause error) error {
	server, ok := syncerr.RemoteRecord(cause)
	if !ok {
		if rec.ServerID == "" {
			return c.fail(ctx, operation, rec, 0, syncerr.Permanent(operation, "conflict without server copy"))
		}
		callCtx, cancel := context.WithTimeout(ctx, c.o.callTimeout)
		pulled, err := c.o.client.Pull(callCtx, rec.ServerID)
		cancel()
		if syncerr.IsUnreachable(err) {
			return err
		}
		if err != nil {
			// The push is retried next cycle on the same run.
			last, ok, lerr := c.o.store.LatestForOperations(ctx, ledger.EntityTransaction, rec.ID, pushOperations...)
			if lerr != nil {
				return lerr
			}
			return c.retry(ctx, operation, rec, retry.NextCount(last, ok), err)
		}
		server = &pulled
	}
	return c.flag(ctx, operation, rec, *server, cause)
}

func (c *cycle) flag(ctx context.Context, operation string, rec, server ledger.Record, cause error) error {
	err := c.o.store.Atomically(ctx, func(tx *store.Tx) error {
		_, err := c.o.resolver.FlagTx(ctx, tx, rec.ID, server)
		return err
	})
	if err != nil {
		return err
	}
	c.report.Conflicts++
	c.entry(ctx, operation, rec.ID, ledger.LogConflict, 0, cause)
	c.log.Info().
		Str("record", rec.ID).
		Int64("local_version", rec.Version).
		Int64("server_version", server.Version).
		Msg("conflict detected")
	return nil
}

// orphan handles a remote copy that no longer exists. A tombstone is then
// as deleted as it gets and counts as acknowledged; anything else is parked
// FAILED until an operator resets it.
func (c *cycle) orphan(ctx context.Context, operation string, rec ledger.Record, cause error) error {
	err := c.o.store.Atomically(ctx, func(tx *store.Tx) error {
		cur, err := tx.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		cur.Orphaned = true
		switch {
		case cur.Status == ledger.StatusSynced:
			// Pull path: the record stays readable as last synced.
		case cur.IsDeleted:
			if err := cur.Transition(ledger.StatusSynced); err != nil {
				return err
			}
			if _, err := tx.RetireLive(ctx, cur.ID, ledger.OutcomeApplied); err != nil {
				return err
			}
		default:
			if err := cur.Transition(ledger.StatusFailed); err != nil {
				return err
			}
			if _, err := tx.RetireLive(ctx, cur.ID, ledger.OutcomeFailed); err != nil {
				return err
			}
		}
		return tx.Upsert(ctx, cur)
	})
	if err != nil {
		return err
	}
	c.report.Orphaned++
	c.entry(ctx, operation, rec.ID, ledger.LogNotFound, 0, cause)
	c.log.Warn().Str("record", rec.ID).Str("server_id", rec.ServerID).Msg("remote record missing")
	return nil
}

// fail marks the record FAILED and retires its live operations.
func (c *cycle) fail(ctx context.Context, operation string, rec ledger.Record, count int, cause error) error {
	err := c.o.store.Atomically(ctx, func(tx *store.Tx) error {
		cur, err := tx.Get(ctx, rec.ID)
		if err != nil {
			return err
		}
		if err := cur.Transition(ledger.StatusFailed); err != nil {
			return err
		}
		if _, err := tx.RetireLive(ctx, cur.ID, ledger.OutcomeFailed); err != nil {
			return err
		}
		return tx.Upsert(ctx, cur)
	})
	if err != nil {
		return err
	}
	c.report.Failed++
	c.entry(ctx, operation, rec.ID, ledger.LogFailed, count, cause)
	c.log.Warn().Err(cause).Str("record", rec.ID).Msg("record failed")
	return nil
}

// pull compares one batch of SYNCED records against their server copies.
// Batches rotate through the id space across cycles.
func (c *cycle) pull(ctx context.Context) error {
	recs, err := c.o.store.ListWithServerID(ctx, ledger.StatusSynced, c.o.pullCursor, c.o.batchSize)
	if err != nil {
		return err
	}
	if len(recs) < c.o.batchSize {
		c.o.pullCursor = ""
	} else {
		c.o.pullCursor = recs[len(recs)-1].ID
	}

	for _, rec := range recs {
		if c.attempted[rec.ID] {
			continue
		}
		if err := c.pullOne(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *cycle) pullOne(ctx context.Context, rec ledger.Record) error {
	last, ok, err := c.o.store.LatestForEntity(ctx, ledger.EntityTransaction, rec.ID)
	if err != nil {
		return err
	}
	if !c.o.policy.PullReady(last, ok, c.o.now()) {
		c.report.Deferred++
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, c.o.callTimeout)
	server, err := c.o.client.Pull(callCtx, rec.ServerID)
	cancel()
	switch {
	case err == nil:
	case syncerr.IsUnreachable(err):
		return err
	case syncerr.Is(err, syncerr.KindNotFound):
		return c.orphan(ctx, ledger.AuditPull, rec, err)
	case retry.Classify(err) == retry.Transient:
		// SYNCED records cannot become FAILED; pulls back off without limit.
		c.report.Retried++
		c.entry(ctx, ledger.AuditPull, rec.ID, ledger.LogRetry, retry.NextPullCount(last, ok), err)
		return nil
	default:
		// Rejected pulls back off like transient ones.
		c.report.Failed++
		c.entry(ctx, ledger.AuditPull, rec.ID, ledger.LogFailed, retry.NextPullCount(last, ok), err)
		return nil
	}

	c.report.Pulled++
	if _, diverged := conflict.Detect(rec, server); diverged {
		cause := fmt.Errorf("server at version %d, local confirmed %d", server.Version, rec.BaseVersion())
		return c.flag(ctx, ledger.AuditPull, rec, server, cause)
	}
	c.entry(ctx, ledger.AuditPull, rec.ID, ledger.LogSynced, 0, nil)
	return nil
}

// finish writes the cycle-terminal audit entry.
func (c *cycle) finish(ctx context.Context) {
	status := ledger.LogSynced
	if c.report.Outcome != Success {
		status = ledger.LogFailed
	}
	entry := ledger.SyncLogEntry{
		CycleID:    c.report.CycleID,
		Operation:  ledger.AuditCycle,
		EntityType: ledger.EntityCycle,
		EntityID:   c.report.CycleID,
		Status:     status,
	}
	switch {
	case c.report.Err != nil:
		entry.Error = c.report.Err.Error()
	case status == ledger.LogFailed:
		entry.Error = fmt.Sprintf("%d failed, %d retrying, %d deferred", c.report.Failed, c.report.Retried, c.report.Deferred)
	}
	c.o.audit(ctx, c.log, entry)
}

// entry appends a per-record audit entry for this cycle.
func (c *cycle) entry(ctx context.Context, operation, recordID string, status ledger.LogStatus, retryCount int, cause error) {
	e := ledger.SyncLogEntry{
		CycleID:    c.report.CycleID,
		Operation:  operation,
		EntityType: ledger.EntityTransaction,
		EntityID:   recordID,
		Status:     status,
		RetryCount: retryCount,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	c.o.audit(ctx, c.log, e)
}
