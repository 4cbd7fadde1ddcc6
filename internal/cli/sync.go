package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/ledger"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the remote",
		Long: `Run one sync cycle: drain the outbox, push pending records, then pull
server copies of synced records and flag conflicts.

Exit codes:
  0 - Cycle succeeded
  1 - Cycle failed (retryable or permanent; see the outcome)
  2 - Command error (no remote configured, bad config, etc.)

Examples:
  tally sync
  tally sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(rootOpts, cmd)
		},
	}
	return cmd
}

func runSync(opts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	client, err := s.client()
	if err != nil {
		return err
	}
	s.logger.Debug().Str("remote", s.describeRemote()).Msg("starting cycle")

	rep, err := s.orchestrator(client).RunCycle(cmd.Context())
	if errors.Is(err, engine.ErrAlreadyRunning) {
		return WrapExitError(ExitFailure, "cannot sync", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}

	view := newCycleView(rep)
	if err := opts.formatter(cmd).Report(rep.Outcome == engine.Success, view, rep.CycleID); err != nil {
		return err
	}
	if rep.Outcome != engine.Success {
		return reportedError(ExitFailure, fmt.Sprintf("cycle %s: %s", rep.CycleID, rep.Outcome))
	}
	return nil
}

// CycleView is a cycle report with its error flattened for output.
type CycleView struct {
	engine.Report
	Error string `json:"error,omitempty"`
}

func newCycleView(rep engine.Report) CycleView {
	v := CycleView{Report: rep}
	if rep.Err != nil {
		v.Error = rep.Err.Error()
	}
	return v
}

func (v CycleView) RenderText(w io.Writer, st Styles) {
	fmt.Fprintf(w, "%s cycle %s %s in %s\n", st.Check(v.Outcome == engine.Success),
		v.CycleID, v.Outcome, v.FinishedAt.Sub(v.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  drained %d, pushed %d, pulled %d\n", v.Drained, v.Pushed, v.Pulled)
	fmt.Fprintf(w, "  conflicts %d, orphaned %d, failed %d, retried %d, deferred %d\n",
		v.Conflicts, v.Orphaned, v.Failed, v.Retried, v.Deferred)
	if v.Aborted != "" {
		fmt.Fprintf(w, "  %s during %s: %s\n", st.Bad.Render("aborted"), v.Aborted, v.Error)
	}
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Check bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize local sync state",
		Long: `Summarize local sync state: records per sync status, queued outbox
operations and the last cycle. With --check the remote health endpoint is
probed too.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Check, "check", false, "probe the remote health endpoint")

	return cmd
}

// StatusView is the payload of the status command.
type StatusView struct {
	Records   map[string]int       `json:"records"`
	Pending   int                  `json:"pending_operations"`
	Remote    string               `json:"remote"`
	Reachable *bool                `json:"reachable,omitempty"`
	LastCycle *ledger.SyncLogEntry `json:"last_cycle,omitempty"`
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to count records", err)
	}
	view := StatusView{Records: make(map[string]int, len(ledger.AllStatuses)), Remote: s.describeRemote()}
	for _, status := range ledger.AllStatuses {
		view.Records[status.String()] = counts[status]
	}
	if view.Pending, err = s.store.PendingCount(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to count operations", err)
	}
	if last, ok, err := s.store.LastCycle(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to read last cycle", err)
	} else if ok {
		view.LastCycle = &last
	}

	if opts.Check {
		client, err := s.client()
		if err != nil {
			return err
		}
		probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Sync.CallTimeout)
		defer cancel()
		reachable := client.Health(probeCtx) == nil
		view.Reachable = &reachable
	}
	return opts.formatter(cmd).Success(view)
}

func (v StatusView) RenderText(w io.Writer, st Styles) {
	fmt.Fprintf(w, "Remote: %s", v.Remote)
	if v.Reachable != nil {
		fmt.Fprintf(w, " %s", st.Check(*v.Reachable))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Records:")
	for _, status := range ledger.AllStatuses {
		fmt.Fprintf(w, "  %-9s %d\n", status, v.Records[status.String()])
	}
	fmt.Fprintf(w, "Queued operations: %d\n", v.Pending)
	if v.LastCycle != nil {
		fmt.Fprintf(w, "Last cycle: %s %s at %s\n", v.LastCycle.EntityID, v.LastCycle.Status,
			v.LastCycle.Timestamp.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Last cycle: never")
	}
}
