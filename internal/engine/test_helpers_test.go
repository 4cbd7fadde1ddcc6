package engine

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/retry"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/testutil"
)

// testBase is the backoff base used by engine tests.
const testBase = 30 * time.Second

// fixture wires a store, the reference server over HTTP and an
// orchestrator around a fault-injecting client, all on one fake clock.
type fixture struct {
	store  *store.Store
	clock  *testutil.FakeClock
	server *remote.Server
	client *remote.Flaky
	orch   *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(time.Time{})

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithClock(clock),
		store.WithIDGenerator(ledger.NewFixedGenerator("id")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := remote.NewServer(
		remote.WithServerClock(clock),
		remote.WithServerIDs(ledger.NewFixedGenerator("srv")))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := remote.NewFlaky(remote.NewHTTPClient(ts.URL, remote.WithClientClock(clock)))

	base := []Option{
		WithCycleIDs(ledger.NewFixedGenerator("cycle")),
		WithPolicy(retry.Policy{Base: testBase, Max: time.Hour, MaxRetries: 5}),
	}
	orch := New(s, client, append(base, opts...)...)

	return &fixture{store: s, clock: clock, server: srv, client: client, orch: orch}
}

func (f *fixture) create(t *testing.T, amount string) ledger.Record {
	t.Helper()
	rec, err := f.store.Create(context.Background(), ledger.Fields{
		Account:    "checking",
		Amount:     amount,
		Currency:   "USD",
		OccurredAt: testutil.Epoch,
	})
	require.NoError(t, err)
	return rec
}

func (f *fixture) get(t *testing.T, id string) ledger.Record {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) cycle(t *testing.T) Report {
	t.Helper()
	report, err := f.orch.RunCycle(context.Background())
	require.NoError(t, err)
	return report
}

// history returns the audit entries of one record, oldest first.
func (f *fixture) history(t *testing.T, id string) []ledger.SyncLogEntry {
	t.Helper()
	entries, err := f.store.ForEntity(context.Background(), ledger.EntityTransaction, id)
	require.NoError(t, err)
	return entries
}

func (f *fixture) live(t *testing.T, id string) bool {
	t.Helper()
	live, err := f.store.HasLiveOperation(context.Background(), id)
	require.NoError(t, err)
	return live
}

// hookClient runs before ahead of every push, then delegates.
type hookClient struct {
	remote.Client
	before func()
}

func (h hookClient) Push(ctx context.Context, rec ledger.Record) (remote.Ack, error) {
	h.before()
	return h.Client.Push(ctx, rec)
}
