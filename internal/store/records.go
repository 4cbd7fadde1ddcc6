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

const recordColumns = `id, offline_id, server_id, account, description, category, amount, currency,
	occurred_at, sync_status, version, remote_version, last_modified, is_deleted, orphaned, created_at, updated_at`

// ListFilter narrows a presentation read.
type ListFilter struct {
	// Status restricts results to one sync status. Zero means any.
	Status ledger.SyncStatus

	// Account restricts results to one account. Empty means any.
	Account string

	// IncludeDeleted returns tombstones too. Presentation reads leave it false.
	IncludeDeleted bool

	// Limit bounds the result. Zero means no limit.
	Limit int
}

// Get returns the record with the given id, tombstones included.
// Returns an error wrapping ErrNotFound if no such record exists.
func (s *Store) Get(ctx context.Context, id string) (ledger.Record, error) {
	return getRecord(ctx, s.db, id)
}

// Get is Store.Get inside the transaction.
func (t *Tx) Get(ctx context.Context, id string) (ledger.Record, error) {
	return getRecord(ctx, t.q, id)
}

func getRecord(ctx context.Context, q querier, id string) (ledger.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ledger.Record{}, syncerr.Storage("get record", err)
	}
	return rec, nil
}

// List returns records for presentation, newest activity first.
// Soft-deleted records are excluded unless the filter asks for them.
//
// Returns empty slice (not nil) if nothing matches.
func (s *Store) List(ctx context.Context, f ListFilter) ([]ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1 = 1`
	var args []any
	if !f.IncludeDeleted {
		query += ` AND is_deleted = 0`
	}
	if f.Status != 0 {
		query += ` AND sync_status = ?`
		args = append(args, f.Status.String())
	}
	if f.Account != "" {
		query += ` AND account = ?`
		args = append(args, f.Account)
	}
	query += ` ORDER BY occurred_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return queryRecords(ctx, s.db, "list records", query, args...)
}

// Upsert writes rec as a single atomic statement.
// The offline id of an existing row cannot change (enforced by trigger).
func (s *Store) Upsert(ctx context.Context, rec ledger.Record) error {
	return upsertRecord(ctx, s.db, rec)
}

// Upsert is Store.Upsert inside the transaction.
func (t *Tx) Upsert(ctx context.Context, rec ledger.Record) error {
	return upsertRecord(ctx, t.q, rec)
}

func upsertRecord(ctx context.Context, q querier, rec ledger.Record) error {
	if !rec.Status.Valid() {
		return syncerr.Validation("upsert record", fmt.Errorf("record %s has invalid status %d", rec.ID, uint8(rec.Status)))
	}
	if rec.Version < 0 {
		return syncerr.Validation("upsert record", fmt.Errorf("record %s has negative version %d", rec.ID, rec.Version))
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			offline_id    = excluded.offline_id,
			server_id     = excluded.server_id,
			account       = excluded.account,
			description   = excluded.description,
			category      = excluded.category,
			amount        = excluded.amount,
			currency      = excluded.currency,
			occurred_at   = excluded.occurred_at,
			sync_status   = excluded.sync_status,
			version       = excluded.version,
			remote_version = excluded.remote_version,
			last_modified = excluded.last_modified,
			is_deleted    = excluded.is_deleted,
			orphaned      = excluded.orphaned,
			updated_at    = excluded.updated_at
	`,
		rec.ID,
		rec.OfflineID,
		rec.ServerID,
		rec.Fields.Account,
		rec.Fields.Description,
		rec.Fields.Category,
		rec.Fields.Amount,
		rec.Fields.Currency,
		toNanos(rec.Fields.OccurredAt),
		rec.Status.String(),
		rec.Version,
		rec.RemoteVersion,
		toNanos(rec.LastModified),
		rec.IsDeleted,
		rec.Orphaned,
		toNanos(rec.CreatedAt),
		toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return syncerr.Storage("upsert record", err)
	}
	return nil
}

// Mutate persists a local mutation and its outbox operation in one transaction.
//
// rec must already be PENDING with its version bumped. Older unprocessed
// operations for the same record are retired as superseded, since the new
// snapshot carries the latest state. Returns the enqueued operation.
func (s *Store) Mutate(ctx context.Context, rec ledger.Record, kind ledger.OpKind) (ledger.OfflineOperation, error) {
	var op ledger.OfflineOperation
	err := s.Atomically(ctx, func(tx *Tx) error {
		var err error
		op, err = tx.Mutate(ctx, rec, kind)
		return err
	})
	return op, err
}

// Mutate is Store.Mutate inside the transaction.
func (t *Tx) Mutate(ctx context.Context, rec ledger.Record, kind ledger.OpKind) (ledger.OfflineOperation, error) {
	if rec.Status != ledger.StatusPending {
		return ledger.OfflineOperation{}, syncerr.Validation("mutate", fmt.Errorf("record %s must be PENDING, is %s", rec.ID, rec.Status))
	}
	now := t.clock.Now().UTC()

	op, err := ledger.NewOperation(t.ids.NewID(), kind, rec, now)
	if err != nil {
		return ledger.OfflineOperation{}, syncerr.Storage("mutate", err)
	}

	if err := upsertRecord(ctx, t.q, rec); err != nil {
		return ledger.OfflineOperation{}, err
	}
	if _, err := retireLive(ctx, t.q, t.clock, rec.ID, ledger.OutcomeSuperseded); err != nil {
		return ledger.OfflineOperation{}, err
	}
	if err := enqueueOp(ctx, t.q, op); err != nil {
		return ledger.OfflineOperation{}, err
	}
	return op, nil
}

// Create validates fields and stores a new PENDING record at version 1,
// enqueueing its create operation.
func (s *Store) Create(ctx context.Context, fields ledger.Fields) (ledger.Record, error) {
	normalized, err := fields.Normalize()
	if err != nil {
		return ledger.Record{}, syncerr.Validation("create", err)
	}
	now := s.clock.Now().UTC()
	rec := ledger.Record{
		ID:           s.ids.NewID(),
		OfflineID:    s.ids.NewID(),
		Fields:       normalized,
		Status:       ledger.StatusPending,
		Version:      1,
		LastModified: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.Mutate(ctx, rec, ledger.OpCreate); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// Edit replaces the business fields of a live record.
// A record in CONFLICT must be resolved first; a FAILED record re-enters
// PENDING, since the edit is itself an explicit user action.
func (s *Store) Edit(ctx context.Context, id string, fields ledger.Fields) (ledger.Record, error) {
	normalized, err := fields.Normalize()
	if err != nil {
		return ledger.Record{}, syncerr.Validation("edit", err)
	}

	var rec ledger.Record
	err = s.Atomically(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.IsDeleted {
			return syncerr.Validation("edit", fmt.Errorf("record %s is deleted", id))
		}
		if rec.Status == ledger.StatusConflict {
			return syncerr.Validation("edit", fmt.Errorf("record %s is in conflict; resolve it first", id))
		}
		rec.Fields = normalized
		if err := rec.Touch(s.clock.Now().UTC()); err != nil {
			return syncerr.Validation("edit", err)
		}

		kind := ledger.OpUpdate
		if !rec.Acknowledged() {
			kind = ledger.OpCreate
		}
		_, err = tx.Mutate(ctx, rec, kind)
		return err
	})
	if err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// SoftDelete marks the record deleted and enqueues its delete operation.
// Deleting a tombstone again is a no-op.
func (s *Store) SoftDelete(ctx context.Context, id string) (ledger.Record, error) {
	var rec ledger.Record
	err := s.Atomically(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if rec.IsDeleted {
			return nil
		}
		if rec.Status == ledger.StatusConflict {
			return syncerr.Validation("delete", fmt.Errorf("record %s is in conflict; resolve it first", id))
		}
		rec.IsDeleted = true
		if err := rec.Touch(s.clock.Now().UTC()); err != nil {
			return syncerr.Validation("delete", err)
		}
		_, err = tx.Mutate(ctx, rec, ledger.OpDelete)
		return err
	})
	if err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// GetBySyncStatus returns up to limit records with the given status, oldest
// modification first. Tombstones are included; they still need pushing.
func (s *Store) GetBySyncStatus(ctx context.Context, status ledger.SyncStatus, limit int) ([]ledger.Record, error) {
	return queryRecords(ctx, s.db, "records by status", `
		SELECT `+recordColumns+` FROM records
		WHERE sync_status = ?
		ORDER BY last_modified ASC, id ASC
		LIMIT ?
	`, status.String(), limit)
}

// GetConflicting returns records carrying serverID whose version differs
// from serverVersion. It serves callers outside the sync cycle, such as a
// remote push notification naming a server record; the pull step compares
// against the confirmed base with conflict.Detect instead.
func (s *Store) GetConflicting(ctx context.Context, serverID string, serverVersion int64) ([]ledger.Record, error) {
	return queryRecords(ctx, s.db, "conflicting records", `
		SELECT `+recordColumns+` FROM records
		WHERE server_id = ? AND version <> ?
		ORDER BY id ASC
	`, serverID, serverVersion)
}

// ListWithServerID returns live, non-orphaned records with a server id and
// the given status, in id order after the cursor. An empty cursor starts at
// the beginning.
func (s *Store) ListWithServerID(ctx context.Context, status ledger.SyncStatus, after string, limit int) ([]ledger.Record, error) {
	return queryRecords(ctx, s.db, "records with server id", `
		SELECT `+recordColumns+` FROM records
		WHERE server_id <> '' AND sync_status = ? AND is_deleted = 0 AND orphaned = 0 AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, status.String(), after, limit)
}

// IncrementVersion bumps the record version by one and returns the new value.
// Local mutations bump the version through Mutate; this is for callers that
// touch a record without a field change.
func (s *Store) IncrementVersion(ctx context.Context, id string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE records SET version = version + 1, updated_at = ?
		WHERE id = ?
		RETURNING version
	`, toNanos(s.clock.Now()), id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, syncerr.Storage("increment version", err)
	}
	return version, nil
}

// ReapTombstones hard-deletes soft-deleted records the remote has
// acknowledged. Records with a live outbox operation are kept.
// Returns the number of records removed.
func (s *Store) ReapTombstones(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE is_deleted = 1 AND sync_status = 'SYNCED'
		AND NOT EXISTS (
			SELECT 1 FROM offline_operations o
			WHERE o.record_id = records.id AND o.processed = 0
		)
	`)
	if err != nil {
		return 0, syncerr.Storage("reap tombstones", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, syncerr.Storage("reap tombstones", err)
	}
	return n, nil
}

// CountByStatus returns the number of records per status, tombstones included.
func (s *Store) CountByStatus(ctx context.Context) (map[ledger.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM records GROUP BY sync_status`)
	if err != nil {
		return nil, syncerr.Storage("count records", err)
	}
	defer rows.Close()

	counts := make(map[ledger.SyncStatus]int, len(ledger.AllStatuses))
	for rows.Next() {
		var raw string
		var n int
		if err := rows.Scan(&raw, &n); err != nil {
			return nil, syncerr.Storage("count records", err)
		}
		status, err := ledger.ParseSyncStatus(raw)
		if err != nil {
			return nil, syncerr.Storage("count records", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("count records", err)
	}
	return counts, nil
}

func queryRecords(ctx context.Context, q querier, op, query string, args ...any) ([]ledger.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	defer rows.Close()

	records := []ledger.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, syncerr.Storage(op, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(op, err)
	}
	return records, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (ledger.Record, error) {
	var (
		rec    ledger.Record
		status string

		occurredAt, lastModified, created, updated int64
	)
	err := sc.Scan(
		&rec.ID,
		&rec.OfflineID,
		&rec.ServerID,
		&rec.Fields.Account,
		&rec.Fields.Description,
		&rec.Fields.Category,
		&rec.Fields.Amount,
		&rec.Fields.Currency,
		&occurredAt,
		&status,
		&rec.Version,
		&rec.RemoteVersion,
		&lastModified,
		&rec.IsDeleted,
		&rec.Orphaned,
		&created,
		&updated,
	)
	if err != nil {
		return ledger.Record{}, err
	}

	rec.Status, err = ledger.ParseSyncStatus(status)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("scan record %s: %w", rec.ID, err)
	}
	rec.Fields.OccurredAt = fromNanos(occurredAt)
	rec.LastModified = fromNanos(lastModified)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(updated)
	return rec, nil
}

// toNanos stores times as INTEGER unix nanoseconds; the zero time is 0.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
