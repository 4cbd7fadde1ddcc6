package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"empty is now", "", now, false},
		{"rfc3339", "2026-03-01T12:00:00Z", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), false},
		{"minutes", "2026-03-01T12:05", time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), false},
		{"date only", "2026-03-01", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), false},
		{"garbage", "yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWhen(tt.in, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}
}

func TestAdd_CreatesPendingRecord(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.add("--amount=12.50", "--description=lunch", "--category=food", "--at=2026-03-01")

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, ledger.StatusPending, rec.Status)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "checking", rec.Fields.Account)
	assert.Equal(t, "12.50", rec.Fields.Amount)
	assert.Equal(t, "USD", rec.Fields.Currency)
	assert.Equal(t, "food", rec.Fields.Category)
	assert.Equal(t, "2026-03-01", rec.Fields.OccurredAt.Format(time.DateOnly))

	detail := env.show(rec.ID)
	require.Len(t, detail.Operations, 1)
	assert.Equal(t, ledger.OpCreate, detail.Operations[0].Kind)
	assert.False(t, detail.Operations[0].Processed)
}

func TestAdd_RequiresAccountAndAmount(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("add", "--account=checking")
	assert.NotEqual(t, ExitSuccess, code)
	assert.Contains(t, stderr, "amount")
}

func TestAdd_InvalidAmount(t *testing.T) {
	env := newTestEnv(t, "")
	resp, code := env.runJSON("add", "--account=checking", "--amount=lots")
	assert.Equal(t, ExitCommandError, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E001", resp.Error.Code)
}

func TestAdd_InvalidDate(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("add", "--account=checking", "--amount=1", "--at=soon")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "invalid time")
}

func TestAdd_TextOutput(t *testing.T) {
	env := newTestEnv(t, "")
	out, _, code := env.run("add", "--account=checking", "--amount=3", "--description=coffee")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "PENDING")
	assert.Contains(t, out, "coffee")
	assert.Contains(t, out, "version 1, remote 0, server id -")
}

func TestEdit_ChangesOnlyGivenFields(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.add("--amount=10", "--description=books")

	resp, code := env.runJSON("edit", rec.ID, "--amount=11")
	require.Equal(t, ExitSuccess, code, "%+v", resp.Error)
	edited := decode[ledger.Record](t, resp)

	assert.Equal(t, "11", edited.Fields.Amount)
	assert.Equal(t, "books", edited.Fields.Description)
	assert.Equal(t, int64(2), edited.Version)
	assert.Equal(t, ledger.StatusPending, edited.Status)
}

func TestEdit_NothingToChange(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.add("--amount=10")

	// Global flags do not count as field changes.
	_, stderr, code := env.run("--verbose", "edit", rec.ID)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "nothing to change")
}

func TestEdit_UnknownRecord(t *testing.T) {
	env := newTestEnv(t, "")
	resp, code := env.runJSON("edit", "missing", "--amount=1")
	assert.Equal(t, ExitCommandError, code)
	assert.Equal(t, "E002", resp.Error.Code)
}

func TestEdit_DeletedRecordRejected(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.add("--amount=10")
	_, code := env.runJSON("delete", rec.ID)
	require.Equal(t, ExitSuccess, code)

	resp, code := env.runJSON("edit", rec.ID, "--amount=1")
	assert.Equal(t, ExitCommandError, code)
	assert.Equal(t, "E001", resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "deleted")
}

func TestDelete_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.add("--amount=10")

	resp, code := env.runJSON("delete", rec.ID)
	require.Equal(t, ExitSuccess, code)
	first := decode[ledger.Record](t, resp)
	assert.True(t, first.IsDeleted)

	resp, code = env.runJSON("delete", rec.ID)
	require.Equal(t, ExitSuccess, code)
	second := decode[ledger.Record](t, resp)
	assert.Equal(t, first.Version, second.Version)
}

func TestList_FiltersAndHidesTombstones(t *testing.T) {
	env := newTestEnv(t, "")
	kept := env.add("--amount=1")
	env.add("--amount=2", "--account=savings")
	gone := env.add("--amount=3")
	_, code := env.runJSON("delete", gone.ID)
	require.Equal(t, ExitSuccess, code)

	resp, code := env.runJSON("list")
	require.Equal(t, ExitSuccess, code)
	assert.Len(t, decode[[]ledger.Record](t, resp), 2)

	resp, code = env.runJSON("list", "--deleted")
	require.Equal(t, ExitSuccess, code)
	assert.Len(t, decode[[]ledger.Record](t, resp), 3)

	// add sets --account=checking first; the later flag wins.
	resp, code = env.runJSON("list", "--account=checking")
	require.Equal(t, ExitSuccess, code)
	recs := decode[[]ledger.Record](t, resp)
	require.Len(t, recs, 1)
	assert.Equal(t, kept.ID, recs[0].ID)

	resp, code = env.runJSON("list", "--status=SYNCED")
	require.Equal(t, ExitSuccess, code)
	assert.Empty(t, decode[[]ledger.Record](t, resp))
}

func TestList_InvalidFlags(t *testing.T) {
	env := newTestEnv(t, "")

	_, _, code := env.run("list", "--status=LOST")
	assert.Equal(t, ExitCommandError, code)

	_, _, code = env.run("list", "--limit=-1")
	assert.Equal(t, ExitCommandError, code)
}

func TestList_TextOutput(t *testing.T) {
	env := newTestEnv(t, "")

	out, _, code := env.run("list")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "No records.\n", out)

	env.add("--amount=7", "--description=parking")
	out, _, code = env.run("list")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "ACCOUNT")
	assert.Contains(t, out, "parking")
	assert.Contains(t, out, "7 USD")
	assert.Contains(t, out, "1 record(s)")
}

func TestShow_UnknownRecord(t *testing.T) {
	env := newTestEnv(t, "")
	_, stderr, code := env.run("show", "missing")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "failed to load record")
}
