package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
	"github.com/roach88/tally/internal/testutil"
)

func logEntry(entityID string, status ledger.LogStatus, retryCount int) ledger.SyncLogEntry {
	return ledger.SyncLogEntry{
		CycleID:    "cycle-1",
		Operation:  ledger.AuditPush,
		EntityType: ledger.EntityTransaction,
		EntityID:   entityID,
		Status:     status,
		RetryCount: retryCount,
	}
}

func TestAppend_StampsClockAndAssignsIDs(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	id1, err := s.Append(ctx, logEntry("r1", ledger.LogRetry, 1))
	require.NoError(t, err)
	clock.Advance(time.Second)
	id2, err := s.Append(ctx, logEntry("r1", ledger.LogSynced, 0))
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	entries, err := s.ForEntity(ctx, ledger.EntityTransaction, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, testutil.Epoch, entries[0].Timestamp)
	assert.Equal(t, testutil.Epoch.Add(time.Second), entries[1].Timestamp)
	assert.Equal(t, ledger.LogRetry, entries[0].Status)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestAppend_RejectsUnknownStatus(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Append(context.Background(), logEntry("r1", "MAYBE", 0))
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
}

func TestAudit_Immutable(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, logEntry("r1", ledger.LogFailed, 0))
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE sync_log SET status = 'SYNCED'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestLatestForEntity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestForEntity(ctx, ledger.EntityTransaction, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, logEntry("r1", ledger.LogRetry, i))
		require.NoError(t, err)
	}
	_, err = s.Append(ctx, logEntry("r2", ledger.LogSynced, 0))
	require.NoError(t, err)

	latest, ok, err := s.LatestForEntity(ctx, ledger.EntityTransaction, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, latest.RetryCount)
}

func TestLatestForOperations(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, logEntry("r1", ledger.LogRetry, 2))
	require.NoError(t, err)
	pull := logEntry("r1", ledger.LogRetry, 7)
	pull.Operation = ledger.AuditPull
	_, err = s.Append(ctx, pull)
	require.NoError(t, err)

	latest, ok, err := s.LatestForOperations(ctx, ledger.EntityTransaction, "r1", ledger.AuditDrain, ledger.AuditPush)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.AuditPush, latest.Operation)
	assert.Equal(t, 2, latest.RetryCount)

	_, ok, err = s.LatestForOperations(ctx, ledger.EntityTransaction, "r1", ledger.AuditReset)
	require.NoError(t, err)
	assert.False(t, ok)

	latest, ok, err = s.LatestForOperations(ctx, ledger.EntityTransaction, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.AuditPull, latest.Operation, "no operations means any")
}

func TestLastCycle(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastCycle(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, id := range []string{"cycle-1", "cycle-2"} {
		_, err := s.Append(ctx, ledger.SyncLogEntry{
			CycleID:    id,
			Operation:  ledger.AuditCycle,
			EntityType: ledger.EntityCycle,
			EntityID:   id,
			Status:     ledger.LogSynced,
		})
		require.NoError(t, err)
	}
	_, err = s.Append(ctx, logEntry("r1", ledger.LogRetry, 1))
	require.NoError(t, err)

	last, ok, err := s.LastCycle(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cycle-2", last.EntityID)
}

func TestRecentAndByStatus(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, logEntry("r1", ledger.LogSynced, 0))
	require.NoError(t, err)
	_, err = s.Append(ctx, logEntry("r2", ledger.LogConflict, 0))
	require.NoError(t, err)
	_, err = s.Append(ctx, logEntry("r3", ledger.LogSynced, 0))
	require.NoError(t, err)

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].EntityID, "newest first")
	assert.Equal(t, "r2", recent[1].EntityID)

	synced, err := s.ByStatus(ctx, ledger.LogSynced, 10)
	require.NoError(t, err)
	assert.Len(t, synced, 2)

	cycle, err := s.ForCycle(ctx, "cycle-1")
	require.NoError(t, err)
	require.Len(t, cycle, 3)
	assert.Equal(t, "r1", cycle[0].EntityID, "write order")

	page, err := s.Since(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "r1", page[0].EntityID, "oldest first")

	rest, err := s.Since(ctx, page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "r3", rest[0].EntityID)
}

func TestCleanup_StrictlyOlderAndIdempotent(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, logEntry("old", ledger.LogSynced, 0))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	horizon := clock.Now()
	_, err = s.Append(ctx, logEntry("edge", ledger.LogSynced, 0))
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = s.Append(ctx, logEntry("new", ledger.LogSynced, 0))
	require.NoError(t, err)

	n, err := s.Cleanup(ctx, horizon)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Cleanup(ctx, horizon)
	require.NoError(t, err)
	assert.Zero(t, n, "second cleanup with same horizon removes nothing")

	left, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, "new", left[0].EntityID)
	assert.Equal(t, "edge", left[1].EntityID, "entry at the horizon is kept")
}

func TestTx_AppendRollsBack(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	err := s.Atomically(ctx, func(tx *Tx) error {
		if _, err := tx.Append(ctx, logEntry("r1", ledger.LogSynced, 0)); err != nil {
			return err
		}
		return syncerr.Permanent("test", "abort")
	})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindPermanent), "classified errors pass through unchanged")

	entries, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
