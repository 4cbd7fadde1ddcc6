package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/remote"
)

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Retention time.Duration
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old audit entries and processed operations",
		Long: `Delete audit entries and processed outbox operations strictly older
than the retention window (cleanup.retention, default 30 days).

Running it twice in a row prunes nothing the second time.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Retention, "retention", 0, "override the retention window (e.g. 168h)")

	return cmd
}

func runCleanup(opts *CleanupOptions, cmd *cobra.Command) error {
	if opts.Retention < 0 {
		return NewExitError(ExitCommandError, "--retention must be non-negative")
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	retention := s.cfg.Cleanup.Retention
	if cmd.Flags().Changed("retention") {
		retention = opts.Retention
	}
	res, err := s.orchestrator(remote.Offline{}).Cleanup(cmd.Context(), retention)
	if err != nil {
		return WrapExitError(ExitFailure, "cleanup failed", err)
	}
	return opts.formatter(cmd).Success(cleanupView(res))
}

type cleanupView engine.CleanupResult

func (v cleanupView) RenderText(w io.Writer, st Styles) {
	fmt.Fprintf(w, "%s pruned %d audit entries and %d operations older than %s\n",
		st.Check(true), v.LogsPruned, v.OpsPruned, v.Horizon.Format(time.RFC3339))
}

// NewReapCommand creates the reap command.
func NewReapCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove acknowledged tombstones",
		Long: `Physically remove soft-deleted records whose delete the remote has
acknowledged. Tombstones still waiting to sync are kept.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReap(rootOpts, cmd)
		},
	}
	return cmd
}

// ReapResult is the payload of the reap command.
type ReapResult struct {
	Removed int64 `json:"removed"`
}

func (r ReapResult) RenderText(w io.Writer, st Styles) {
	fmt.Fprintf(w, "%s removed %d tombstone(s)\n", st.Check(true), r.Removed)
}

func runReap(opts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.store.ReapTombstones(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "reap failed", err)
	}
	s.logger.Info().Int64("removed", n).Msg("tombstones reaped")
	return opts.formatter(cmd).Success(ReapResult{Removed: n})
}
