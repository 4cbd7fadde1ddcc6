package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/testutil"
)

func testOp(t *testing.T, id, recordID string, priority int, enqueuedAt time.Time) ledger.OfflineOperation {
	t.Helper()
	op, err := ledger.NewOperation(id, ledger.OpUpdate, syncedRecord(recordID, "srv-"+recordID, 1), enqueuedAt)
	require.NoError(t, err)
	op.Priority = priority
	return op
}

func TestDequeueBatch_PriorityOrder(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	// Enqueued A, B, C with priorities 1, 5, 3 and identical timestamps.
	require.NoError(t, s.Enqueue(ctx, testOp(t, "A", "ra", 1, testutil.Epoch)))
	require.NoError(t, s.Enqueue(ctx, testOp(t, "B", "rb", 5, testutil.Epoch)))
	require.NoError(t, s.Enqueue(ctx, testOp(t, "C", "rc", 3, testutil.Epoch)))

	ops, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "B", ops[0].ID)
	assert.Equal(t, "C", ops[1].ID)
	assert.Equal(t, "A", ops[2].ID)
}

func TestDequeueBatch_TiesBrokenByEnqueueTimeThenID(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, testOp(t, "z", "r1", 5, testutil.Epoch)))
	require.NoError(t, s.Enqueue(ctx, testOp(t, "y", "r2", 5, testutil.Epoch.Add(time.Second))))
	require.NoError(t, s.Enqueue(ctx, testOp(t, "x", "r3", 5, testutil.Epoch.Add(time.Second))))

	ops, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{"z", "x", "y"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})
}

func TestDequeueBatch_Bounded(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, testOp(t, id, "r-"+id, 1, testutil.Epoch)))
	}

	ops, err := s.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestEnqueue_Idempotent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	op := testOp(t, "op1", "r1", 1, testutil.Epoch)
	require.NoError(t, s.Enqueue(ctx, op))
	require.NoError(t, s.Enqueue(ctx, op))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, testOp(t, "op1", "r1", 1, testutil.Epoch)))

	clock.Advance(time.Minute)
	changed, err := s.MarkProcessed(ctx, "op1", ledger.OutcomeApplied)
	require.NoError(t, err)
	assert.True(t, changed)

	clock.Advance(time.Minute)
	changed, err = s.MarkProcessed(ctx, "op1", ledger.OutcomeFailed)
	require.NoError(t, err)
	assert.False(t, changed, "second mark is a no-op")

	op, err := s.GetOperation(ctx, "op1")
	require.NoError(t, err)
	assert.True(t, op.Processed)
	assert.Equal(t, ledger.OutcomeApplied, op.Outcome, "first outcome wins")
	require.NotNil(t, op.ProcessedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), *op.ProcessedAt)

	ops, err := s.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ops, "processed operations are never dequeued")
}

func TestProcessed_Monotonic(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, testOp(t, "op1", "r1", 1, testutil.Epoch)))
	_, err := s.MarkProcessed(ctx, "op1", ledger.OutcomeApplied)
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE offline_operations SET processed = 0 WHERE id = 'op1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processed is monotonic")
}

func TestHasLiveOperation(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	live, err := s.HasLiveOperation(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, live)

	require.NoError(t, s.Enqueue(ctx, testOp(t, "op1", "r1", 1, testutil.Epoch)))
	live, err = s.HasLiveOperation(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, live)

	_, err = s.MarkProcessed(ctx, "op1", ledger.OutcomeApplied)
	require.NoError(t, err)
	live, err = s.HasLiveOperation(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, live)
}

func TestPruneProcessed(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, testOp(t, "old", "r1", 1, testutil.Epoch)))
	require.NoError(t, s.Enqueue(ctx, testOp(t, "new", "r2", 1, testutil.Epoch)))
	require.NoError(t, s.Enqueue(ctx, testOp(t, "live", "r3", 1, testutil.Epoch)))

	_, err := s.MarkProcessed(ctx, "old", ledger.OutcomeApplied)
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = s.MarkProcessed(ctx, "new", ledger.OutcomeApplied)
	require.NoError(t, err)

	n, err := s.PruneProcessed(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetOperation(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetOperation(ctx, "new")
	assert.NoError(t, err)

	// Unprocessed operations survive any horizon
	_, err = s.PruneProcessed(ctx, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	_, err = s.GetOperation(ctx, "live")
	assert.NoError(t, err)
}
