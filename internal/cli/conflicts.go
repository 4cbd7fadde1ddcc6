package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/conflict"
	"github.com/roach88/tally/internal/remote"
)

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List records waiting for a conflict resolution",
		Long: `List every record in CONFLICT with both the local and the server copy,
oldest first. Resolve one with tally resolve.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflicts(rootOpts, cmd)
		},
	}
	return cmd
}

func runConflicts(opts *RootOptions, cmd *cobra.Command) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := conflict.NewResolver(s.store, s.logger).List(cmd.Context())
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list conflicts", err)
	}
	return opts.formatter(cmd).Success(conflictList(list))
}

// conflictList renders open conflicts side by side.
type conflictList []conflict.Conflict

func (l conflictList) RenderText(w io.Writer, st Styles) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No conflicts.")
		return
	}
	for _, c := range l {
		fmt.Fprintf(w, "%s %s\n", st.Bold.Render(c.Local.ID), st.Muted.Render("detected "+c.DetectedAt.Format(time.RFC3339)))
		fmt.Fprintf(w, "  local:  %s %s %q version %d\n", c.Local.Fields.Amount, c.Local.Fields.Currency, c.Local.Fields.Description, c.Local.Version)
		fmt.Fprintf(w, "  server: %s %s %q version %d\n", c.Server.Fields.Amount, c.Server.Fields.Currency, c.Server.Fields.Description, c.Server.Version)
	}
	fmt.Fprintf(w, "%d conflict(s)\n", len(l))
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <id> <local|server>",
		Short: "Resolve a conflict by picking a side",
		Long: `Resolve a record in CONFLICT.

  local  - keep the local fields; the record is re-pushed on the next sync
  server - take the server copy; the record becomes SYNCED

Either way the version becomes max(local, server) + 1.

Example:
  tally resolve 0190a1b2-... server`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runResolve(opts *RootOptions, id, side string, cmd *cobra.Command) error {
	choice, err := conflict.ParseChoice(side)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid resolution", err)
	}

	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := conflict.NewResolver(s.store, s.logger).Resolve(cmd.Context(), id, choice)
	if err != nil {
		return userError("failed to resolve conflict", err)
	}
	return opts.formatter(cmd).Success(recordView(rec))
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a FAILED record",
		Long: `Move a FAILED record back to PENDING with a fresh outbox operation.

An orphaned record (its server copy is gone) loses its server id, so the
next sync recreates it remotely.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRetry(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runRetry(opts *RootOptions, id string, cmd *cobra.Command) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.orchestrator(remote.Offline{}).Reset(cmd.Context(), id)
	if err != nil {
		return userError("failed to requeue record", err)
	}
	return opts.formatter(cmd).Success(recordView(rec))
}
