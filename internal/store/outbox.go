package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
)

const opColumns = `id, kind, entity_type, record_id, offline_id, snapshot, snapshot_hash,
	enqueued_at, priority, processed, processed_at, outcome`

// Enqueue inserts an operation into the outbox.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-enqueueing the same
// operation id is silently ignored.
//
// Normal mutations go through Mutate, which enqueues atomically with the
// record write.
func (s *Store) Enqueue(ctx context.Context, op ledger.OfflineOperation) error {
	return enqueueOp(ctx, s.db, op)
}

// Enqueue is Store.Enqueue inside the transaction.
func (t *Tx) Enqueue(ctx context.Context, op ledger.OfflineOperation) error {
	return enqueueOp(ctx, t.q, op)
}

func enqueueOp(ctx context.Context, q querier, op ledger.OfflineOperation) error {
	if !op.Kind.Valid() {
		return syncerr.Validation("enqueue", fmt.Errorf("operation %s has invalid kind %q", op.ID, op.Kind))
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO offline_operations
		(id, kind, entity_type, record_id, offline_id, snapshot, snapshot_hash, enqueued_at, priority, processed, processed_at, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '')
		ON CONFLICT(id) DO NOTHING
	`,
		op.ID,
		string(op.Kind),
		op.EntityType,
		op.RecordID,
		op.OfflineID,
		op.Snapshot,
		op.SnapshotHash,
		toNanos(op.EnqueuedAt),
		op.Priority,
	)
	if err != nil {
		return syncerr.Storage("enqueue", err)
	}
	return nil
}

// DequeueBatch returns up to limit unprocessed operations without removing
// them. Ordering is deterministic: priority DESC, enqueued_at ASC, id ASC.
//
// Returns empty slice (not nil) if the outbox is drained.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]ledger.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM offline_operations
		WHERE processed = 0
		ORDER BY priority DESC, enqueued_at ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, syncerr.Storage("dequeue", err)
	}
	defer rows.Close()

	ops := []ledger.OfflineOperation{}
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, syncerr.Storage("dequeue", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("dequeue", err)
	}
	return ops, nil
}

// GetOperation returns one operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (ledger.OfflineOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+opColumns+` FROM offline_operations WHERE id = ?`, id)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.OfflineOperation{}, fmt.Errorf("operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.OfflineOperation{}, syncerr.Storage("get operation", err)
	}
	return op, nil
}

// OperationsFor returns every operation ever enqueued for a record, oldest first.
func (s *Store) OperationsFor(ctx context.Context, recordID string) ([]ledger.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+opColumns+` FROM offline_operations
		WHERE record_id = ?
		ORDER BY enqueued_at ASC, id COLLATE BINARY ASC
	`, recordID)
	if err != nil {
		return nil, syncerr.Storage("operations for record", err)
	}
	defer rows.Close()

	ops := []ledger.OfflineOperation{}
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, syncerr.Storage("operations for record", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("operations for record", err)
	}
	return ops, nil
}

// MarkProcessed retires an operation with the given outcome.
// Idempotent: returns false without error if the operation was already
// processed (or does not exist).
func (s *Store) MarkProcessed(ctx context.Context, id string, outcome ledger.Outcome) (bool, error) {
	return markProcessed(ctx, s.db, s.clock, id, outcome)
}

// MarkProcessed is Store.MarkProcessed inside the transaction.
func (t *Tx) MarkProcessed(ctx context.Context, id string, outcome ledger.Outcome) (bool, error) {
	return markProcessed(ctx, t.q, t.clock, id, outcome)
}

func markProcessed(ctx context.Context, q querier, clock ledger.Clock, id string, outcome ledger.Outcome) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE offline_operations
		SET processed = 1, processed_at = ?, outcome = ?
		WHERE id = ? AND processed = 0
	`, toNanos(clock.Now()), string(outcome), id)
	if err != nil {
		return false, syncerr.Storage("mark processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, syncerr.Storage("mark processed", err)
	}
	return n == 1, nil
}

// RetireLive marks every unprocessed operation of a record processed with
// the given outcome and returns how many were retired.
func (t *Tx) RetireLive(ctx context.Context, recordID string, outcome ledger.Outcome) (int64, error) {
	return retireLive(ctx, t.q, t.clock, recordID, outcome)
}

func retireLive(ctx context.Context, q querier, clock ledger.Clock, recordID string, outcome ledger.Outcome) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE offline_operations
		SET processed = 1, processed_at = ?, outcome = ?
		WHERE record_id = ? AND processed = 0
	`, toNanos(clock.Now()), string(outcome), recordID)
	if err != nil {
		return 0, syncerr.Storage("retire operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Storage("retire operations", err)
	}
	return n, nil
}

// HasLiveOperation reports whether the record has an unprocessed operation.
func (s *Store) HasLiveOperation(ctx context.Context, recordID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM offline_operations WHERE record_id = ? AND processed = 0)
	`, recordID).Scan(&exists)
	if err != nil {
		return false, syncerr.Storage("live operation", err)
	}
	return exists, nil
}

// PendingCount returns the number of unprocessed operations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_operations WHERE processed = 0`).Scan(&n); err != nil {
		return 0, syncerr.Storage("pending count", err)
	}
	return n, nil
}

// PruneProcessed deletes processed operations retired strictly before
// olderThan. Unprocessed operations are never pruned.
func (s *Store) PruneProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM offline_operations
		WHERE processed = 1 AND processed_at < ?
	`, toNanos(olderThan))
	if err != nil {
		return 0, syncerr.Storage("prune operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Storage("prune operations", err)
	}
	return n, nil
}

func scanOp(sc scanner) (ledger.OfflineOperation, error) {
	var (
		op          ledger.OfflineOperation
		kind        string
		outcome     string
		enqueuedAt  int64
		processedAt sql.NullInt64
	)
	err := sc.Scan(
		&op.ID,
		&kind,
		&op.EntityType,
		&op.RecordID,
		&op.OfflineID,
		&op.Snapshot,
		&op.SnapshotHash,
		&enqueuedAt,
		&op.Priority,
		&op.Processed,
		&processedAt,
		&outcome,
	)
	if err != nil {
		return ledger.OfflineOperation{}, err
	}

	op.Kind, err = ledger.ParseOpKind(kind)
	if err != nil {
		return ledger.OfflineOperation{}, fmt.Errorf("scan operation %s: %w", op.ID, err)
	}
	op.Outcome = ledger.Outcome(outcome)
	op.EnqueuedAt = fromNanos(enqueuedAt)
	if processedAt.Valid {
		t := fromNanos(processedAt.Int64)
		op.ProcessedAt = &t
	}
	return op, nil
}
