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

// StoredConflict is the server copy of a record held in CONFLICT.
type StoredConflict struct {
	RecordID   string        `json:"record_id"`
	Server     ledger.Record `json:"server"`
	DetectedAt time.Time     `json:"detected_at"`
}

// SaveConflict stores the server copy for recordID, replacing any earlier one.
func (s *Store) SaveConflict(ctx context.Context, recordID string, server ledger.Record) error {
	return saveConflict(ctx, s.db, s.clock, recordID, server)
}

// SaveConflict is Store.SaveConflict inside the transaction.
func (t *Tx) SaveConflict(ctx context.Context, recordID string, server ledger.Record) error {
	return saveConflict(ctx, t.q, t.clock, recordID, server)
}

func saveConflict(ctx context.Context, q querier, clock ledger.Clock, recordID string, server ledger.Record) error {
	snap, hash, err := ledger.EncodeSnapshot(server)
	if err != nil {
		return syncerr.Storage("save conflict", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conflicts (record_id, server_id, server_version, snapshot, snapshot_hash, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			server_id      = excluded.server_id,
			server_version = excluded.server_version,
			snapshot       = excluded.snapshot,
			snapshot_hash  = excluded.snapshot_hash,
			detected_at    = excluded.detected_at
	`, recordID, server.ServerID, server.Version, snap, hash, toNanos(clock.Now()))
	if err != nil {
		return syncerr.Storage("save conflict", err)
	}
	return nil
}

// GetConflict returns the stored server copy for recordID.
// Returns an error wrapping ErrNotFound if none is stored.
func (s *Store) GetConflict(ctx context.Context, recordID string) (StoredConflict, error) {
	return getConflict(ctx, s.db, recordID)
}

// GetConflict is Store.GetConflict inside the transaction.
func (t *Tx) GetConflict(ctx context.Context, recordID string) (StoredConflict, error) {
	return getConflict(ctx, t.q, recordID)
}

func getConflict(ctx context.Context, q querier, recordID string) (StoredConflict, error) {
	row := q.QueryRowContext(ctx, `
		SELECT record_id, snapshot, snapshot_hash, detected_at FROM conflicts WHERE record_id = ?
	`, recordID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredConflict{}, fmt.Errorf("conflict for %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return StoredConflict{}, syncerr.Storage("get conflict", err)
	}
	return c, nil
}

// DeleteConflict removes the stored server copy. Deleting a missing entry is a no-op.
func (s *Store) DeleteConflict(ctx context.Context, recordID string) error {
	return deleteConflict(ctx, s.db, recordID)
}

// DeleteConflict is Store.DeleteConflict inside the transaction.
func (t *Tx) DeleteConflict(ctx context.Context, recordID string) error {
	return deleteConflict(ctx, t.q, recordID)
}

func deleteConflict(ctx context.Context, q querier, recordID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM conflicts WHERE record_id = ?`, recordID); err != nil {
		return syncerr.Storage("delete conflict", err)
	}
	return nil
}

// ListConflicts returns every stored conflict, oldest detection first.
func (s *Store) ListConflicts(ctx context.Context) ([]StoredConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, snapshot, snapshot_hash, detected_at FROM conflicts
		ORDER BY detected_at ASC, record_id ASC
	`)
	if err != nil {
		return nil, syncerr.Storage("list conflicts", err)
	}
	defer rows.Close()

	conflicts := []StoredConflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, syncerr.Storage("list conflicts", err)
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("list conflicts", err)
	}
	return conflicts, nil
}

func scanConflict(sc scanner) (StoredConflict, error) {
	var (
		c          StoredConflict
		snap       []byte
		hash       string
		detectedAt int64
	)
	if err := sc.Scan(&c.RecordID, &snap, &hash, &detectedAt); err != nil {
		return StoredConflict{}, err
	}
	server, err := ledger.DecodeSnapshot(snap, hash)
	if err != nil {
		return StoredConflict{}, fmt.Errorf("conflict for %s: %w", c.RecordID, err)
	}
	server.Status = ledger.StatusSynced
	c.Server = server
	c.DetectedAt = fromNanos(detectedAt)
	return c, nil
}
