package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/syncerr"
	"github.com/roach88/tally/internal/testutil"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		s.Close()
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"records", "offline_operations", "sync_log", "conflicts"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q not found after idempotent opens", table)
	}

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestOpen_Pragmas(t *testing.T) {
	s, _ := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Create(context.Background(), testFields("coffee"))
	require.NoError(t, err)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "coffee", got.Fields.Description)
}

func TestCreate_WritesRecordAndOperationAtomically(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, testFields("groceries"))
	require.NoError(t, err)

	assert.Equal(t, "id-0001", rec.ID)
	assert.Equal(t, "id-0002", rec.OfflineID)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "USD", rec.Fields.Currency)
	assert.Equal(t, clock.Now(), rec.CreatedAt)
	assert.Empty(t, rec.ServerID)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	ops, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, ledger.OpCreate, ops[0].Kind)
	assert.Equal(t, rec.ID, ops[0].RecordID)
	assert.Equal(t, rec.OfflineID, ops[0].OfflineID)
	assert.Equal(t, ledger.PriorityCreate, ops[0].Priority)

	snap, err := ops[0].Record()
	require.NoError(t, err)
	assert.Equal(t, rec.Fields, snap.Fields)
	assert.Equal(t, rec.Version, snap.Version)
}

func TestCreate_ValidationError(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	fields := testFields("bad")
	fields.Amount = "twelve"

	_, err := s.Create(ctx, fields)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected create must not enqueue")
}

func TestMutate_RollsBackOnFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, testFields("rent"))
	require.NoError(t, err)

	// Force the enqueue to fail after the record write inside the same tx.
	boom := errors.New("boom")
	err = s.Atomically(ctx, func(tx *Tx) error {
		changed := rec
		changed.Fields.Description = "changed"
		if err := changed.Touch(time.Now()); err != nil {
			return err
		}
		if _, err := tx.Mutate(ctx, changed, ledger.OpUpdate); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindStorage))
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "rent", got.Fields.Description)
	assert.Equal(t, int64(1), got.Version)

	ops, err := s.OperationsFor(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ops, 1, "rolled back mutation must not leave an operation")
	assert.False(t, ops[0].Processed, "rolled back supersede must not retire the create")
}

func TestMutate_RequiresPending(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Mutate(context.Background(), syncedRecord("r1", "srv-1", 1), ledger.OpUpdate)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
}

func TestEdit_SupersedesOlderOperation(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, testFields("lunch"))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	edited, err := s.Edit(ctx, rec.ID, testFields("dinner"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), edited.Version)
	assert.Equal(t, clock.Now(), edited.LastModified)

	ops, err := s.OperationsFor(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.True(t, ops[0].Processed)
	assert.Equal(t, ledger.OutcomeSuperseded, ops[0].Outcome)

	// Never acknowledged remotely, so the edit is still a create.
	assert.False(t, ops[1].Processed)
	assert.Equal(t, ledger.OpCreate, ops[1].Kind)
	snap, err := ops[1].Record()
	require.NoError(t, err)
	assert.Equal(t, "dinner", snap.Fields.Description)
	assert.Equal(t, int64(2), snap.Version)
}

func TestEdit_AcknowledgedRecordIsUpdate(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, syncedRecord("r1", "srv-1", 3)))

	edited, err := s.Edit(ctx, "r1", testFields("new"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, edited.Status)
	assert.Equal(t, int64(4), edited.Version)

	ops, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, ledger.OpUpdate, ops[0].Kind)
	assert.Equal(t, ledger.PriorityUpdate, ops[0].Priority)
}

func TestEdit_Rejections(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	conflicted := syncedRecord("c1", "srv-c1", 2)
	conflicted.Status = ledger.StatusConflict
	require.NoError(t, s.Upsert(ctx, conflicted))

	_, err := s.Edit(ctx, "c1", testFields("x"))
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))

	_, err = s.Edit(ctx, "missing", testFields("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDelete_ExcludedFromList(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	keep, err := s.Create(ctx, testFields("keep"))
	require.NoError(t, err)
	gone, err := s.Create(ctx, testFields("gone"))
	require.NoError(t, err)

	deleted, err := s.SoftDelete(ctx, gone.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Equal(t, ledger.StatusPending, deleted.Status)
	assert.Equal(t, int64(2), deleted.Version)

	list, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)

	all, err := s.List(ctx, ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Tombstone is still pushed
	pending, err := s.GetBySyncStatus(ctx, ledger.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// Deleting again is a no-op
	again, err := s.SoftDelete(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
}

func TestGetBySyncStatus_OrderedAndBounded(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		rec, err := s.Create(ctx, testFields("r"))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		clock.Advance(time.Second)
	}

	got, err := s.GetBySyncStatus(ctx, ledger.StatusPending, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, ids[i], rec.ID, "oldest modification first")
	}

	synced, err := s.GetBySyncStatus(ctx, ledger.StatusSynced, 10)
	require.NoError(t, err)
	assert.NotNil(t, synced)
	assert.Empty(t, synced)
}

func TestGetConflicting(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, syncedRecord("r1", "srv-1", 3)))
	require.NoError(t, s.Upsert(ctx, syncedRecord("r2", "srv-2", 3)))

	same, err := s.GetConflicting(ctx, "srv-1", 3)
	require.NoError(t, err)
	assert.Empty(t, same)

	diff, err := s.GetConflicting(ctx, "srv-1", 4)
	require.NoError(t, err)
	require.Len(t, diff, 1)
	assert.Equal(t, "r1", diff[0].ID)
}

func TestIncrementVersion_Monotonic(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, syncedRecord("r1", "srv-1", 1)))

	prev := int64(1)
	for i := 0; i < 5; i++ {
		v, err := s.IncrementVersion(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, prev+1, v)
		prev = v
	}

	_, err := s.IncrementVersion(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsert_OfflineIDImmutable(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec := syncedRecord("r1", "srv-1", 1)
	require.NoError(t, s.Upsert(ctx, rec))

	rec.OfflineID = "other"
	err := s.Upsert(ctx, rec)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.KindStorage))
}

func TestUpsert_RejectsInvalidStatus(t *testing.T) {
	s, _ := createTestStore(t)

	rec := syncedRecord("r1", "srv-1", 1)
	rec.Status = 0
	err := s.Upsert(context.Background(), rec)
	assert.True(t, syncerr.Is(err, syncerr.KindValidation))
}

func TestListWithServerID_Cursor(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Upsert(ctx, syncedRecord(id, "srv-"+id, 1)))
	}
	orphan := syncedRecord("d", "srv-d", 1)
	orphan.Orphaned = true
	require.NoError(t, s.Upsert(ctx, orphan))
	local := syncedRecord("e", "", 1)
	require.NoError(t, s.Upsert(ctx, local))

	first, err := s.ListWithServerID(ctx, ledger.StatusSynced, "", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].ID)
	assert.Equal(t, "b", first[1].ID)

	rest, err := s.ListWithServerID(ctx, ledger.StatusSynced, "b", 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].ID)
}

func TestReapTombstones(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	acked := syncedRecord("r1", "srv-1", 2)
	acked.IsDeleted = true
	require.NoError(t, s.Upsert(ctx, acked))
	require.NoError(t, s.SaveConflict(ctx, "r1", syncedRecord("r1", "srv-1", 1)))

	live := syncedRecord("r2", "srv-2", 1)
	require.NoError(t, s.Upsert(ctx, live))

	pendingDelete, err := s.SoftDelete(ctx, "r2")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusPending, pendingDelete.Status)

	n, err := s.ReapTombstones(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetConflict(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound, "sidecar row cascades with the record")

	_, err = s.Get(ctx, "r2")
	assert.NoError(t, err, "unacknowledged tombstone must survive reaping")
}

func TestCountByStatus(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, testFields("a"))
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, syncedRecord("r1", "srv-1", 1)))
	require.NoError(t, s.Upsert(ctx, syncedRecord("r2", "srv-2", 1)))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[ledger.StatusPending])
	assert.Equal(t, 2, counts[ledger.StatusSynced])
	assert.Zero(t, counts[ledger.StatusFailed])
}

func TestConflictSidecar(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	local := syncedRecord("r1", "srv-1", 3)
	local.Status = ledger.StatusConflict
	require.NoError(t, s.Upsert(ctx, local))

	server := syncedRecord("r1", "srv-1", 4)
	server.Fields.Amount = "99.00"
	require.NoError(t, s.SaveConflict(ctx, "r1", server))

	got, err := s.GetConflict(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Server.Version)
	assert.Equal(t, "99.00", got.Server.Fields.Amount)
	assert.Equal(t, ledger.StatusSynced, got.Server.Status)
	assert.Equal(t, clock.Now(), got.DetectedAt)

	list, err := s.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteConflict(ctx, "r1"))
	require.NoError(t, s.DeleteConflict(ctx, "r1"), "delete is idempotent")
	_, err = s.GetConflict(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_TimesRoundTripUTC(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	loc := time.FixedZone("UTC+5", 5*60*60)
	fields := testFields("tz")
	fields.OccurredAt = time.Date(2024, 3, 1, 12, 0, 0, 123, loc)

	rec, err := s.Create(ctx, fields)
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Fields.OccurredAt.Location())
	assert.True(t, fields.OccurredAt.Equal(got.Fields.OccurredAt))
	assert.Equal(t, testutil.Epoch, got.CreatedAt)
}
