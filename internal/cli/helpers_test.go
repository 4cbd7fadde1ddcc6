package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/remote"
)

// testEnv is a temp database plus a config file pointing at an optional remote.
type testEnv struct {
	t      *testing.T
	db     string
	config string
}

// newTestEnv writes a config with quiet JSON logging. remoteURL may be empty.
func newTestEnv(t *testing.T, remoteURL string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "tally.yaml")
	body := fmt.Sprintf("log:\n  level: error\n  format: json\nremote:\n  url: %q\n  timeout: 2s\nsync:\n  call_timeout: 2s\n", remoteURL)
	require.NoError(t, os.WriteFile(config, []byte(body), 0o644))
	return &testEnv{t: t, db: filepath.Join(dir, "tally.db"), config: config}
}

// startRemote runs a reference server and returns it with its URL.
func startRemote(t *testing.T) (*remote.Server, string) {
	t.Helper()
	srv := remote.NewServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

// run executes the CLI with the env's config and database.
func (e *testEnv) run(args ...string) (stdout, stderr string, code int) {
	e.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--config=" + e.config, "--db=" + e.db}, args...)
	code = Execute(context.Background(), full, &out, &errOut)
	return out.String(), errOut.String(), code
}

// response is CLIResponse with the payload left raw for typed decoding.
type response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Error   *CLIError       `json:"error"`
	TraceID string          `json:"trace_id"`
}

// runJSON executes with --format json and decodes the single response.
func (e *testEnv) runJSON(args ...string) (response, int) {
	e.t.Helper()
	out, _, code := e.run(append([]string{"--format=json"}, args...)...)
	var resp response
	require.NoError(e.t, json.Unmarshal([]byte(out), &resp), "stdout: %s", out)
	return resp, code
}

// decode unmarshals a response payload into v.
func decode[T any](t *testing.T, resp response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v), "data: %s", resp.Data)
	return v
}

// add creates a record and returns it.
func (e *testEnv) add(args ...string) ledger.Record {
	e.t.Helper()
	resp, code := e.runJSON(append([]string{"add", "--account=checking"}, args...)...)
	require.Equal(e.t, ExitSuccess, code, "add failed: %+v", resp.Error)
	return decode[ledger.Record](e.t, resp)
}

// show returns the detail view of id.
func (e *testEnv) show(id string) RecordDetail {
	e.t.Helper()
	resp, code := e.runJSON("show", id)
	require.Equal(e.t, ExitSuccess, code, "show failed: %+v", resp.Error)
	return decode[RecordDetail](e.t, resp)
}

// sync runs one cycle and returns the report and exit code.
func (e *testEnv) sync() (CycleView, int) {
	e.t.Helper()
	resp, code := e.runJSON("sync")
	return decode[CycleView](e.t, resp), code
}
