package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
)

const logColumns = `id, cycle_id, operation, entity_type, entity_id, status, error, timestamp, retry_count`

// Append writes an audit entry and returns its id.
// This is the only way to add to the log; entries are never updated
// (enforced by trigger). A zero Timestamp is stamped with the store clock.
func (s *Store) Append(ctx context.Context, entry ledger.SyncLogEntry) (int64, error) {
	return appendLog(ctx, s.db, s.clock, entry)
}

// Append is Store.Append inside the transaction.
func (t *Tx) Append(ctx context.Context, entry ledger.SyncLogEntry) (int64, error) {
	return appendLog(ctx, t.q, t.clock, entry)
}

func appendLog(ctx context.Context, q querier, clock ledger.Clock, e ledger.SyncLogEntry) (int64, error) {
	if _, err := ledger.ParseLogStatus(string(e.Status)); err != nil {
		return 0, syncerr.Validation("append audit", err)
	}
	if e.RetryCount < 0 {
		e.RetryCount = 0
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = clock.Now()
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO sync_log (cycle_id, operation, entity_type, entity_id, status, error, timestamp, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.CycleID,
		e.Operation,
		e.EntityType,
		e.EntityID,
		string(e.Status),
		e.Error,
		toNanos(ts),
		e.RetryCount,
	)
	if err != nil {
		return 0, syncerr.Storage("append audit", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, syncerr.Storage("append audit", err)
	}
	return id, nil
}

// Recent returns the n newest entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]ledger.SyncLogEntry, error) {
	return queryLog(ctx, s.db, "recent audit", `
		SELECT `+logColumns+` FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`, n)
}

// Since returns up to limit entries with an id greater than afterID, oldest
// first. Paging with the last returned id walks the whole log in write order.
func (s *Store) Since(ctx context.Context, afterID int64, limit int) ([]ledger.SyncLogEntry, error) {
	return queryLog(ctx, s.db, "audit since", `
		SELECT `+logColumns+` FROM sync_log
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
}

// ByStatus returns up to limit entries with the given status, newest first.
func (s *Store) ByStatus(ctx context.Context, status ledger.LogStatus, limit int) ([]ledger.SyncLogEntry, error) {
	return queryLog(ctx, s.db, "audit by status", `
		SELECT `+logColumns+` FROM sync_log
		WHERE status = ?
		ORDER BY id DESC
		LIMIT ?
	`, string(status), limit)
}

// ForEntity returns the full history of one entity, oldest first.
func (s *Store) ForEntity(ctx context.Context, entityType, entityID string) ([]ledger.SyncLogEntry, error) {
	return queryLog(ctx, s.db, "audit for entity", `
		SELECT `+logColumns+` FROM sync_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY id ASC
	`, entityType, entityID)
}

// ForCycle returns every entry written by one sync cycle, in write order.
func (s *Store) ForCycle(ctx context.Context, cycleID string) ([]ledger.SyncLogEntry, error) {
	return queryLog(ctx, s.db, "audit for cycle", `
		SELECT `+logColumns+` FROM sync_log
		WHERE cycle_id = ?
		ORDER BY id ASC
	`, cycleID)
}

// LatestForEntity returns the newest entry for an entity.
// The boolean is false when the entity has no history.
func (s *Store) LatestForEntity(ctx context.Context, entityType, entityID string) (ledger.SyncLogEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+logColumns+` FROM sync_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, entityType, entityID)
	e, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SyncLogEntry{}, false, nil
	}
	if err != nil {
		return ledger.SyncLogEntry{}, false, syncerr.Storage("latest audit", err)
	}
	return e, true, nil
}

// LatestForOperations returns the newest entry for an entity written by one
// of operations. The boolean is false when there is no such entry.
func (s *Store) LatestForOperations(ctx context.Context, entityType, entityID string, operations ...string) (ledger.SyncLogEntry, bool, error) {
	if len(operations) == 0 {
		return s.LatestForEntity(ctx, entityType, entityID)
	}
	args := []any{entityType, entityID}
	marks := make([]string, len(operations))
	for i, op := range operations {
		marks[i] = "?"
		args = append(args, op)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+logColumns+` FROM sync_log
		WHERE entity_type = ? AND entity_id = ? AND operation IN (`+strings.Join(marks, ", ")+`)
		ORDER BY id DESC
		LIMIT 1
	`, args...)
	e, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SyncLogEntry{}, false, nil
	}
	if err != nil {
		return ledger.SyncLogEntry{}, false, syncerr.Storage("latest audit", err)
	}
	return e, true, nil
}

// LastCycle returns the terminal entry of the newest sync cycle.
// The boolean is false when no cycle has run.
func (s *Store) LastCycle(ctx context.Context) (ledger.SyncLogEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+logColumns+` FROM sync_log
		WHERE entity_type = ?
		ORDER BY id DESC
		LIMIT 1
	`, ledger.EntityCycle)
	e, err := scanLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.SyncLogEntry{}, false, nil
	}
	if err != nil {
		return ledger.SyncLogEntry{}, false, syncerr.Storage("last cycle", err)
	}
	return e, true, nil
}

// Cleanup deletes entries strictly older than olderThan and returns how many
// were removed. Running it twice with the same horizon removes nothing the
// second time.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_log WHERE timestamp < ?`, toNanos(olderThan))
	if err != nil {
		return 0, syncerr.Storage("cleanup audit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Storage("cleanup audit", err)
	}
	return n, nil
}

func queryLog(ctx context.Context, q querier, op, query string, args ...any) ([]ledger.SyncLogEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	defer rows.Close()

	entries := []ledger.SyncLogEntry{}
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(op, err)
	}
	return entries, nil
}

func scanLog(sc scanner) (ledger.SyncLogEntry, error) {
	var (
		e      ledger.SyncLogEntry
		status string
		ts     int64
	)
	if err := sc.Scan(&e.ID, &e.CycleID, &e.Operation, &e.EntityType, &e.EntityID, &status, &e.Error, &ts, &e.RetryCount); err != nil {
		return ledger.SyncLogEntry{}, err
	}
	e.Status = ledger.LogStatus(status)
	e.Timestamp = fromNanos(ts)
	return e, nil
}
