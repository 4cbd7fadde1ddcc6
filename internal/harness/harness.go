package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/tally/internal/conflict"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/store"
	"github.com/roach88/tally/internal/syncerr"
	"github.com/roach88/tally/internal/testutil"
)

// errBadRef marks a step naming a record no earlier step created, or
// creating one twice.
var errBadRef = errors.New("bad ref")

// Harness is the scenario execution environment: a store, the reference
// server over HTTP and an orchestrator, all on one fake clock.
type Harness struct {
	store  *store.Store
	clock  *testutil.FakeClock
	server *remote.Server
	client *remote.Flaky
	orch   *engine.Orchestrator
	logger zerolog.Logger

	refs  map[string]string // ref -> record id
	start time.Time
}

// Option configures a scenario run.
type Option func(*Harness)

// WithLogger sets the logger handed to the orchestrator and server.
// Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Harness) {
		h.logger = logger
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory and
// a fresh reference server. A returned error means the scenario itself is
// broken (an unknown ref, a storage failure); failed expectations are
// reported through Result.Pass and Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	dir, err := os.MkdirTemp("", "tally-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		clock:  testutil.NewFakeClock(testutil.Epoch),
		logger: zerolog.Nop(),
		refs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.start = h.clock.Now()

	h.store, err = store.Open(filepath.Join(dir, "scenario.db"),
		store.WithClock(h.clock),
		store.WithIDGenerator(ledger.NewFixedGenerator("rec")))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer h.store.Close()

	h.server = remote.NewServer(
		remote.WithServerClock(h.clock),
		remote.WithServerIDs(ledger.NewFixedGenerator("srv")),
		remote.WithServerLogger(h.logger))
	ts := httptest.NewServer(h.server)
	defer ts.Close()

	h.client = remote.NewFlaky(remote.NewHTTPClient(ts.URL, remote.WithClientClock(h.clock)))
	h.orch = engine.New(h.store, h.client,
		engine.WithCycleIDs(ledger.NewFixedGenerator("cycle")),
		engine.WithPolicy(scenario.policy()),
		engine.WithBatchSize(scenario.BatchSize),
		engine.WithLogger(h.logger))

	result := NewResult()
	for i, step := range scenario.Steps {
		summary, err := h.execute(ctx, step, result)
		switch {
		case errors.Is(err, errBadRef):
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		case step.Fails && err == nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: expected rejection, got success", i, summary))
		case step.Fails:
			summary += " rejected"
		case err != nil:
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, summary, err))
		}
		result.Steps = append(result.Steps, summary)
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step and returns its summary line. Expectation failures
// of sync and reap steps are added to result.
func (h *Harness) execute(ctx context.Context, step Step, result *Result) (string, error) {
	switch {
	case step.Create != nil:
		return h.create(ctx, *step.Create)
	case step.Edit != nil:
		return h.edit(ctx, *step.Edit)
	case step.Delete != nil:
		summary := "delete " + step.Delete.Ref
		id, err := h.id(step.Delete.Ref)
		if err != nil {
			return summary, err
		}
		_, err = h.store.SoftDelete(ctx, id)
		return summary, err
	case step.RemoteEdit != nil:
		return h.remoteEdit(ctx, *step.RemoteEdit)
	case step.RemoteForget != nil:
		summary := "remote_forget " + step.RemoteForget.Ref
		rec, err := h.record(ctx, step.RemoteForget.Ref)
		if err != nil {
			return summary, err
		}
		h.server.Forget(rec.ServerID)
		return summary, nil
	case len(step.FailPush) > 0:
		h.client.FailPush(faults("push", step.FailPush)...)
		return "fail_push " + strings.Join(step.FailPush, ","), nil
	case len(step.FailPull) > 0:
		h.client.FailPull(faults("pull", step.FailPull)...)
		return "fail_pull " + strings.Join(step.FailPull, ","), nil
	case step.Advance != 0:
		h.clock.Advance(step.Advance)
		return "advance " + step.Advance.String(), nil
	case step.Sync != nil:
		return h.sync(ctx, *step.Sync, result)
	case step.Resolve != nil:
		return h.resolve(ctx, *step.Resolve)
	case step.Reset != nil:
		summary := "reset " + step.Reset.Ref
		id, err := h.id(step.Reset.Ref)
		if err != nil {
			return summary, err
		}
		_, err = h.orch.Reset(ctx, id)
		return summary, err
	case step.Reap != nil:
		n, err := h.store.ReapTombstones(ctx)
		summary := fmt.Sprintf("reap removed=%d", n)
		if err == nil && step.Reap.Removed != nil && *step.Reap.Removed != n {
			result.AddError(fmt.Sprintf("%s: want removed=%d", summary, *step.Reap.Removed))
		}
		return summary, err
	default:
		return "", fmt.Errorf("step has no action")
	}
}

func (h *Harness) create(ctx context.Context, rs RecordStep) (string, error) {
	summary := "create " + rs.Ref
	if _, ok := h.refs[rs.Ref]; ok {
		return summary, fmt.Errorf("%w: %s already exists", errBadRef, rs.Ref)
	}
	fields := ledger.Fields{
		Account:     "checking",
		Description: rs.Ref,
		Currency:    "USD",
		OccurredAt:  h.start,
	}
	rs.apply(&fields)

	rec, err := h.store.Create(ctx, fields)
	if err != nil {
		return summary, err
	}
	h.refs[rs.Ref] = rec.ID
	return summary, nil
}

func (h *Harness) edit(ctx context.Context, rs RecordStep) (string, error) {
	summary := "edit " + rs.Ref
	rec, err := h.record(ctx, rs.Ref)
	if err != nil {
		return summary, err
	}
	fields := rec.Fields
	rs.apply(&fields)
	_, err = h.store.Edit(ctx, rec.ID, fields)
	return summary, err
}

func (h *Harness) remoteEdit(ctx context.Context, rs RecordStep) (string, error) {
	summary := "remote_edit " + rs.Ref
	rec, err := h.record(ctx, rs.Ref)
	if err != nil {
		return summary, err
	}
	if rec.ServerID == "" {
		return summary, fmt.Errorf("%s has no server copy", rs.Ref)
	}
	return summary, h.server.EditRemote(rec.ServerID, rs.apply)
}

func (h *Harness) sync(ctx context.Context, want SyncStep, result *Result) (string, error) {
	rep, err := h.orch.RunCycle(ctx)
	if err != nil {
		return "sync", err
	}
	summary := summarize(rep)

	if want.Outcome != "" && string(rep.Outcome) != want.Outcome {
		result.AddError(fmt.Sprintf("%s: want outcome %s", summary, want.Outcome))
	}
	for _, c := range []struct {
		name string
		want *int
		got  int
	}{
		{"drained", want.Drained, rep.Drained},
		{"pushed", want.Pushed, rep.Pushed},
		{"pulled", want.Pulled, rep.Pulled},
		{"conflicts", want.Conflicts, rep.Conflicts},
		{"orphaned", want.Orphaned, rep.Orphaned},
		{"failed", want.Failed, rep.Failed},
		{"retried", want.Retried, rep.Retried},
		{"deferred", want.Deferred, rep.Deferred},
	} {
		if c.want != nil && *c.want != c.got {
			result.AddError(fmt.Sprintf("%s: want %s=%d", summary, c.name, *c.want))
		}
	}
	return summary, nil
}

func (h *Harness) resolve(ctx context.Context, rs ResolveStep) (string, error) {
	summary := "resolve " + rs.Ref
	choice, err := conflict.ParseChoice(rs.Choice)
	if err != nil {
		return summary, err
	}
	summary += " " + string(choice)
	id, err := h.id(rs.Ref)
	if err != nil {
		return summary, err
	}
	_, err = h.orch.Resolver().Resolve(ctx, id, choice)
	return summary, err
}

// collect fills the trace and the final record states.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	names := make(map[string]string, len(h.refs))
	for ref, id := range h.refs {
		names[id] = ref
	}

	var after int64
	for {
		page, err := h.store.Since(ctx, after, 500)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			entity := e.EntityID
			if ref, ok := names[e.EntityID]; ok {
				entity = ref
			}
			result.Trace = append(result.Trace, TraceEvent{
				Offset:     e.Timestamp.Sub(h.start),
				Cycle:      e.CycleID,
				Operation:  e.Operation,
				Entity:     entity,
				Status:     e.Status,
				RetryCount: e.RetryCount,
			})
		}
		after = page[len(page)-1].ID
	}

	refs := make([]string, 0, len(h.refs))
	for ref := range h.refs {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		state, err := h.state(ctx, ref)
		if err != nil {
			return err
		}
		result.Records = append(result.Records, state)
	}
	return nil
}

func (h *Harness) state(ctx context.Context, ref string) (RecordState, error) {
	rec, err := h.store.Get(ctx, h.refs[ref])
	if errors.Is(err, store.ErrNotFound) {
		return RecordState{Ref: ref, Gone: true}, nil
	}
	if err != nil {
		return RecordState{}, err
	}
	live, err := h.store.HasLiveOperation(ctx, rec.ID)
	if err != nil {
		return RecordState{}, err
	}
	return RecordState{
		Ref:           ref,
		Status:        rec.Status.String(),
		Version:       rec.Version,
		RemoteVersion: rec.RemoteVersion,
		ServerID:      rec.ServerID,
		Amount:        rec.Fields.Amount,
		Deleted:       rec.IsDeleted,
		Orphaned:      rec.Orphaned,
		Live:          live,
	}, nil
}

func (h *Harness) id(ref string) (string, error) {
	id, ok := h.refs[ref]
	if !ok {
		return "", fmt.Errorf("%w: unknown %s", errBadRef, ref)
	}
	return id, nil
}

func (h *Harness) record(ctx context.Context, ref string) (ledger.Record, error) {
	id, err := h.id(ref)
	if err != nil {
		return ledger.Record{}, err
	}
	return h.store.Get(ctx, id)
}

// apply overwrites the non-empty fields of rs onto f.
func (rs RecordStep) apply(f *ledger.Fields) {
	for _, p := range []struct {
		dst *string
		src string
	}{
		{&f.Account, rs.Account},
		{&f.Description, rs.Description},
		{&f.Category, rs.Category},
		{&f.Amount, rs.Amount},
		{&f.Currency, rs.Currency},
	} {
		if p.src != "" {
			*p.dst = p.src
		}
	}
}

// faults builds the scripted errors for fail_push and fail_pull.
func faults(op string, names []string) []error {
	injected := errors.New("injected")
	errs := make([]error, 0, len(names))
	for _, name := range names {
		switch name {
		case "transient":
			errs = append(errs, syncerr.Transient(op, injected))
		case "unreachable":
			errs = append(errs, syncerr.Unreachable(op, injected))
		case "not_found":
			errs = append(errs, syncerr.NotFound(op, "injected"))
		case "permanent":
			errs = append(errs, syncerr.Permanent(op, "injected"))
		case "validation":
			errs = append(errs, syncerr.Validation(op, injected))
		}
	}
	return errs
}

// summarize renders a cycle report with its non-zero counters.
func summarize(rep engine.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sync %s %s", rep.CycleID, rep.Outcome)
	for _, c := range []struct {
		name string
		n    int
	}{
		{"drained", rep.Drained},
		{"pushed", rep.Pushed},
		{"pulled", rep.Pulled},
		{"conflicts", rep.Conflicts},
		{"orphaned", rep.Orphaned},
		{"failed", rep.Failed},
		{"retried", rep.Retried},
		{"deferred", rep.Deferred},
	} {
		if c.n > 0 {
			fmt.Fprintf(&b, " %s=%d", c.name, c.n)
		}
	}
	if rep.Aborted != "" {
		fmt.Fprintf(&b, " aborted=%s", rep.Aborted)
	}
	return b.String()
}
