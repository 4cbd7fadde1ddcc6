package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/ledger"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit  int
	Record string
	Cycle  string
	Status string
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the sync audit log",
		Long: `Show the sync audit log. Without filters the newest entries are shown
first. --record and --cycle show a full history in write order.

Examples:
  tally log
  tally log --status FAILED --limit 50
  tally log --record 0190a1b2-...
  tally log --cycle 0190a1c3-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of entries (newest-first views)")
	cmd.Flags().StringVar(&opts.Record, "record", "", "history of one record")
	cmd.Flags().StringVar(&opts.Cycle, "cycle", "", "entries written by one cycle")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only entries with this status (SYNCED|FAILED|RETRY|CONFLICT|NOT_FOUND|RESOLVED)")
	cmd.MarkFlagsMutuallyExclusive("record", "cycle", "status")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	if opts.Limit <= 0 {
		return NewExitError(ExitCommandError, "--limit must be positive")
	}
	var status ledger.LogStatus
	if opts.Status != "" {
		var err error
		if status, err = ledger.ParseLogStatus(opts.Status); err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	var entries []ledger.SyncLogEntry
	switch {
	case opts.Record != "":
		entries, err = s.store.ForEntity(ctx, ledger.EntityTransaction, opts.Record)
	case opts.Cycle != "":
		entries, err = s.store.ForCycle(ctx, opts.Cycle)
	case status != "":
		entries, err = s.store.ByStatus(ctx, status, opts.Limit)
	default:
		entries, err = s.store.Recent(ctx, opts.Limit)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read audit log", err)
	}
	return opts.formatter(cmd).Success(logList(entries))
}

// logList renders audit entries one per line.
type logList []ledger.SyncLogEntry

func (l logList) RenderText(w io.Writer, st Styles) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No entries.")
		return
	}
	for _, e := range l {
		writeLogLine(w, st, e)
	}
}

func writeLogLine(w io.Writer, st Styles, e ledger.SyncLogEntry) {
	status := string(e.Status)
	switch e.Status {
	case ledger.LogSynced, ledger.LogResolved:
		status = st.OK.Render(status)
	case ledger.LogFailed, ledger.LogConflict, ledger.LogNotFound:
		status = st.Bad.Render(status)
	}
	fmt.Fprintf(w, "  %s %s %s %s %s", st.Muted.Render(e.Timestamp.Format(time.RFC3339)),
		orDash(e.CycleID), e.Operation, e.EntityID, status)
	if e.RetryCount > 0 {
		fmt.Fprintf(w, " retry=%d", e.RetryCount)
	}
	if e.Error != "" {
		fmt.Fprintf(w, " %s", st.Muted.Render(e.Error))
	}
	fmt.Fprintln(w)
}
