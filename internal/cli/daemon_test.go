package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeHealth) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	return err
}

type recordingSetter struct {
	got chan bool
}

func (r *recordingSetter) SetOnline(online bool) {
	r.got <- online
}

func TestProbeLoop_ReportsEachProbe(t *testing.T) {
	hc := &fakeHealth{errs: []error{errors.New("down"), nil}}
	rec := &recordingSetter{got: make(chan bool, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probeLoop(ctx, hc, rec, time.Millisecond, time.Second)
		close(done)
	}()

	// The first probe runs before the first tick.
	assert.False(t, <-rec.got)
	assert.True(t, <-rec.got)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("probe loop did not stop")
	}
}

func TestDaemon_StopsWithContext(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer
	code := Execute(ctx, []string{"--config=" + env.config, "--db=" + env.db, "daemon"}, &out, &errOut)
	require.Equal(t, ExitSuccess, code, errOut.String())
	assert.Contains(t, out.String(), "Daemon started (offline)")
	assert.Contains(t, out.String(), "Daemon stopped after 0 cycle(s), 0 skipped.")
}

func TestDaemon_WithRemoteStopsWithContext(t *testing.T) {
	_, url := startRemote(t)
	env := newTestEnv(t, url)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer
	code := Execute(ctx, []string{"--config=" + env.config, "--db=" + env.db, "--format=json", "daemon"}, &out, &errOut)
	require.Equal(t, ExitSuccess, code, errOut.String())
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Online bool `json:"online"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	assert.Equal(t, "ok", resp.Status)
	assert.Contains(t, errOut.String(), "Daemon started")
}

func TestDaemon_InvalidProbeInterval(t *testing.T) {
	env := newTestEnv(t, "")
	_, _, code := env.run("daemon", "--probe-interval=0s")
	assert.Equal(t, ExitCommandError, code)
}
