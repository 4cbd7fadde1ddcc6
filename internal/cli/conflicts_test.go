package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/conflict"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/ledger"
)

// conflicted returns an env holding one record in CONFLICT: synced once,
// then changed on the server behind the device's back.
func conflicted(t *testing.T) (*testEnv, ledger.Record) {
	t.Helper()
	srv, url := startRemote(t)
	env := newTestEnv(t, url)
	rec := env.add("--amount=20", "--description=groceries")

	_, code := env.sync()
	require.Equal(t, ExitSuccess, code)
	synced := env.show(rec.ID).Record
	require.NoError(t, srv.EditRemote(synced.ServerID, func(f *ledger.Fields) {
		f.Amount = "25"
	}))

	report, code := env.sync()
	require.Equal(t, ExitSuccess, code, "conflicts are not failures")
	require.Equal(t, engine.Success, report.Outcome)
	require.Equal(t, 1, report.Conflicts)
	return env, synced
}

func TestConflicts_ListsBothCopies(t *testing.T) {
	env, rec := conflicted(t)

	resp, code := env.runJSON("conflicts")
	require.Equal(t, ExitSuccess, code)
	list := decode[[]conflict.Conflict](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].Local.ID)
	assert.Equal(t, "20", list[0].Local.Fields.Amount)
	assert.Equal(t, "25", list[0].Server.Fields.Amount)

	detail := env.show(rec.ID)
	assert.Equal(t, ledger.StatusConflict, detail.Record.Status)
	require.NotNil(t, detail.Conflict)
	assert.Equal(t, "25", detail.Conflict.Server.Fields.Amount)
}

func TestConflicts_TextOutput(t *testing.T) {
	env := newTestEnv(t, "")
	out, _, code := env.run("conflicts")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "No conflicts.\n", out)

	env, _ = conflicted(t)
	out, _, code = env.run("conflicts")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, `local:  20 USD "groceries"`)
	assert.Contains(t, out, `server: 25 USD "groceries"`)
	assert.Contains(t, out, "1 conflict(s)")
}

func TestEdit_ConflictBlocksEdits(t *testing.T) {
	env, rec := conflicted(t)
	resp, code := env.runJSON("edit", rec.ID, "--amount=1")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, resp.Error.Message, "resolve it first")
}

func TestResolve_ServerWins(t *testing.T) {
	env, rec := conflicted(t)

	resp, code := env.runJSON("resolve", rec.ID, "server")
	require.Equal(t, ExitSuccess, code, "%+v", resp.Error)
	resolved := decode[ledger.Record](t, resp)
	assert.Equal(t, ledger.StatusSynced, resolved.Status)
	assert.Equal(t, "25", resolved.Fields.Amount)
	// Server moved to 2; max(1, 2) + 1.
	assert.Equal(t, int64(3), resolved.Version)

	resp, code = env.runJSON("conflicts")
	require.Equal(t, ExitSuccess, code)
	assert.Empty(t, decode[[]conflict.Conflict](t, resp))
}

func TestResolve_LocalWinsRepushes(t *testing.T) {
	env, rec := conflicted(t)

	resp, code := env.runJSON("resolve", rec.ID, "local")
	require.Equal(t, ExitSuccess, code, "%+v", resp.Error)
	resolved := decode[ledger.Record](t, resp)
	assert.Equal(t, ledger.StatusPending, resolved.Status)
	assert.Equal(t, "20", resolved.Fields.Amount)

	report, code := env.sync()
	require.Equal(t, ExitSuccess, code)
	assert.Zero(t, report.Conflicts)
	assert.Equal(t, ledger.StatusSynced, env.show(rec.ID).Record.Status)
}

func TestResolve_InvalidInput(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.add("--amount=1")

	_, stderr, code := env.run("resolve", rec.ID, "both")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid resolution")

	// Not in CONFLICT.
	_, _, code = env.run("resolve", rec.ID, "local")
	assert.Equal(t, ExitCommandError, code)

	_, _, code = env.run("resolve", "missing", "local")
	assert.Equal(t, ExitCommandError, code)
}

func TestRetry_OrphanedRecordIsRecreated(t *testing.T) {
	srv, url := startRemote(t)
	env := newTestEnv(t, url)
	rec := env.add("--amount=9")

	_, code := env.sync()
	require.Equal(t, ExitSuccess, code)
	srv.Forget(env.show(rec.ID).Record.ServerID)

	report, code := env.sync()
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, 1, report.Orphaned)
	require.True(t, env.show(rec.ID).Record.Orphaned)

	// Pushing an update for a server copy that is gone parks the record as
	// FAILED; orphans do not fail the cycle.
	_, code = env.runJSON("edit", rec.ID, "--amount=10")
	require.Equal(t, ExitSuccess, code)
	report, code = env.sync()
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, 1, report.Orphaned)
	require.Equal(t, ledger.StatusFailed, env.show(rec.ID).Record.Status)

	resp, code := env.runJSON("retry", rec.ID)
	require.Equal(t, ExitSuccess, code, "%+v", resp.Error)
	reset := decode[ledger.Record](t, resp)
	assert.Equal(t, ledger.StatusPending, reset.Status)
	assert.False(t, reset.Orphaned)
	assert.Empty(t, reset.ServerID)

	_, code = env.sync()
	require.Equal(t, ExitSuccess, code)
	final := env.show(rec.ID).Record
	assert.Equal(t, ledger.StatusSynced, final.Status)
	assert.NotEmpty(t, final.ServerID)
	assert.Equal(t, "10", final.Fields.Amount)
	assert.Equal(t, int64(2), final.Version)
}

func TestRetry_RequiresFailedRecord(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.add("--amount=1")

	resp, code := env.runJSON("retry", rec.ID)
	assert.Equal(t, ExitCommandError, code)
	assert.Equal(t, "E001", resp.Error.Code)

	_, _, code = env.run("retry", "missing")
	assert.Equal(t, ExitCommandError, code)
}
