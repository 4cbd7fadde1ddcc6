package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/testutil"
)

// createTestStore creates a new file-backed store for testing with a fake
// clock and deterministic ids ("id-0001", "id-0002", ...).
func createTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock), WithIDGenerator(ledger.NewFixedGenerator("id")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// testFields returns valid business fields for a record.
func testFields(description string) ledger.Fields {
	return ledger.Fields{
		Account:     "checking",
		Description: description,
		Amount:      "12.50",
		Currency:    "usd",
		OccurredAt:  testutil.Epoch,
	}
}

// syncedRecord returns a record already acknowledged by the remote.
func syncedRecord(id, serverID string, version int64) ledger.Record {
	return ledger.Record{
		ID:           id,
		OfflineID:    "off-" + id,
		ServerID:     serverID,
		Fields:       ledger.Fields{Account: "checking", Amount: "1.00", Currency: "USD", OccurredAt: testutil.Epoch},
		Status:       ledger.StatusSynced,
		Version:      version,
		LastModified: testutil.Epoch,
		CreatedAt:    testutil.Epoch,
		UpdatedAt:    testutil.Epoch,
	}
}
