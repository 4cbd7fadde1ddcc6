package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/conflict"
	"github.com/roach88/tally/internal/ledger"
	"github.com/roach88/tally/internal/store"
)

// dateLayouts are the accepted forms of --at.
var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04", time.DateOnly}

// parseWhen parses a --at value. Empty means now.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
}

// FieldOptions are the business-field flags shared by add and edit.
type FieldOptions struct {
	Account     string
	Description string
	Category    string
	Amount      string
	Currency    string
	At          string
}

func (f *FieldOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Account, "account", "", "account name")
	cmd.Flags().StringVarP(&f.Description, "description", "d", "", "free-text description")
	cmd.Flags().StringVar(&f.Category, "category", "", "category")
	cmd.Flags().StringVarP(&f.Amount, "amount", "a", "", "decimal amount (negative for outflows)")
	cmd.Flags().StringVar(&f.Currency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&f.At, "at", "", "when it happened (RFC 3339 or YYYY-MM-DD, default now)")
}

// fieldFlags are the flag names bound by FieldOptions.
var fieldFlags = []string{"account", "description", "category", "amount", "currency", "at"}

// changed reports whether any field flag was set on cmd.
func (f *FieldOptions) changed(cmd *cobra.Command) bool {
	for _, name := range fieldFlags {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// apply overwrites the fields whose flags were set on cmd.
func (f *FieldOptions) apply(cmd *cobra.Command, fields *ledger.Fields) error {
	flags := cmd.Flags()
	if flags.Changed("account") {
		fields.Account = f.Account
	}
	if flags.Changed("description") {
		fields.Description = f.Description
	}
	if flags.Changed("category") {
		fields.Category = f.Category
	}
	if flags.Changed("amount") {
		fields.Amount = f.Amount
	}
	if flags.Changed("currency") {
		fields.Currency = f.Currency
	}
	if flags.Changed("at") {
		at, err := parseWhen(f.At, time.Time{})
		if err != nil {
			return err
		}
		fields.OccurredAt = at
	}
	return nil
}

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Fields FieldOptions
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new transaction",
		Long: `Record a new transaction locally.

The record is stored as PENDING at version 1 and a create operation is
queued for the next sync. No network access is needed.

Examples:
  tally add --account checking --amount=-4.50 --description coffee
  tally add --account savings --amount 100 --currency EUR --at 2026-03-01`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(opts, cmd)
		},
	}

	opts.Fields.bind(cmd)
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runAdd(opts *AddOptions, cmd *cobra.Command) error {
	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	fields := ledger.Fields{Currency: opts.Fields.Currency}
	if err := opts.Fields.apply(cmd, &fields); err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	if fields.OccurredAt.IsZero() {
		fields.OccurredAt = s.store.Clock().Now()
	}

	rec, err := s.store.Create(cmd.Context(), fields)
	if err != nil {
		return userError("failed to add record", err)
	}
	s.logger.Info().Str("record", rec.ID).Msg("record added")
	return opts.formatter(cmd).Success(recordView(rec))
}

// EditOptions holds flags for the edit command.
type EditOptions struct {
	*RootOptions
	Fields FieldOptions
}

// NewEditCommand creates the edit command.
func NewEditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a transaction",
		Long: `Change the fields of a transaction. Only the flags given are changed.

The record becomes PENDING at the next version and an update is queued.
A record in CONFLICT must be resolved first.

Example:
  tally edit 0190a1b2-... --amount=-5.00 --category food`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEdit(opts, args[0], cmd)
		},
	}

	opts.Fields.bind(cmd)

	return cmd
}

func runEdit(opts *EditOptions, id string, cmd *cobra.Command) error {
	if !opts.Fields.changed(cmd) {
		return NewExitError(ExitCommandError, "nothing to change: pass at least one field flag")
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return userError("failed to load record", err)
	}
	fields := current.Fields
	if err := opts.Fields.apply(cmd, &fields); err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}

	rec, err := s.store.Edit(ctx, id, fields)
	if err != nil {
		return userError("failed to edit record", err)
	}
	s.logger.Info().Str("record", rec.ID).Int64("version", rec.Version).Msg("record edited")
	return opts.formatter(cmd).Success(recordView(rec))
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a transaction",
		Long: `Soft-delete a transaction.

The record is kept as a tombstone until the remote acknowledges the delete;
tally reap removes acknowledged tombstones. Deleting twice is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDelete(opts *RootOptions, id string, cmd *cobra.Command) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.store.SoftDelete(cmd.Context(), id)
	if err != nil {
		return userError("failed to delete record", err)
	}
	s.logger.Info().Str("record", rec.ID).Msg("record deleted")
	return opts.formatter(cmd).Success(recordView(rec))
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Status         string
	Account        string
	IncludeDeleted bool
	Limit          int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		Long: `List transactions, newest activity first. Tombstones are hidden
unless --deleted is given.

Examples:
  tally list
  tally list --status PENDING
  tally list --account checking --limit 20 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "only records in this sync status (PENDING|SYNCED|FAILED|CONFLICT)")
	cmd.Flags().StringVar(&opts.Account, "account", "", "only records of this account")
	cmd.Flags().BoolVar(&opts.IncludeDeleted, "deleted", false, "include tombstones")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "maximum number of records (0 = all)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	filter := store.ListFilter{
		Account:        opts.Account,
		IncludeDeleted: opts.IncludeDeleted,
		Limit:          opts.Limit,
	}
	if opts.Status != "" {
		status, err := ledger.ParseSyncStatus(opts.Status)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --status", err)
		}
		filter.Status = status
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must be non-negative")
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.store.List(cmd.Context(), filter)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to list records", err)
	}
	return opts.formatter(cmd).Success(recordList(recs))
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction with its outbox and audit history",
		Long: `Show one transaction: its fields and sync metadata, the outbox
operations queued for it, its audit history and, if it is in CONFLICT, the
server copy it conflicts with.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

// RecordDetail is the payload of the show command.
type RecordDetail struct {
	Record     ledger.Record             `json:"record"`
	Operations []ledger.OfflineOperation `json:"operations"`
	History    []ledger.SyncLogEntry     `json:"history"`
	Conflict   *conflict.Conflict        `json:"conflict,omitempty"`
}

func runShow(opts *RootOptions, id string, cmd *cobra.Command) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return userError("failed to load record", err)
	}
	detail := RecordDetail{Record: rec}
	if detail.Operations, err = s.store.OperationsFor(ctx, id); err != nil {
		return WrapExitError(ExitFailure, "failed to load operations", err)
	}
	if detail.History, err = s.store.ForEntity(ctx, ledger.EntityTransaction, id); err != nil {
		return WrapExitError(ExitFailure, "failed to load history", err)
	}
	if rec.Status == ledger.StatusConflict {
		c, err := conflict.NewResolver(s.store, s.logger).Inspect(ctx, id)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to load conflict", err)
		}
		detail.Conflict = &c
	}
	return opts.formatter(cmd).Success(detail)
}

// recordView renders one record as a short block.
type recordView ledger.Record

func (r recordView) RenderText(w io.Writer, st Styles) {
	writeRecord(w, st, ledger.Record(r))
}

func writeRecord(w io.Writer, st Styles, r ledger.Record) {
	fmt.Fprintf(w, "%s %s\n", st.Bold.Render(r.ID), statusLabel(st, r))
	fmt.Fprintf(w, "  %s  %s %s  %s\n", r.Fields.OccurredAt.Format(time.DateOnly), r.Fields.Amount, r.Fields.Currency, r.Fields.Account)
	if r.Fields.Description != "" || r.Fields.Category != "" {
		fmt.Fprintf(w, "  %s", r.Fields.Description)
		if r.Fields.Category != "" {
			fmt.Fprintf(w, " [%s]", r.Fields.Category)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  %s\n", st.Muted.Render(fmt.Sprintf("version %d, remote %d, server id %s",
		r.Version, r.RemoteVersion, orDash(r.ServerID))))
}

// statusLabel renders the sync status plus the deleted and orphaned flags.
func statusLabel(st Styles, r ledger.Record) string {
	label := r.Status.String()
	switch r.Status {
	case ledger.StatusSynced:
		label = st.OK.Render(label)
	case ledger.StatusFailed, ledger.StatusConflict:
		label = st.Bad.Render(label)
	}
	if r.IsDeleted {
		label += " deleted"
	}
	if r.Orphaned {
		label += " orphaned"
	}
	return label
}

func (d RecordDetail) RenderText(w io.Writer, st Styles) {
	writeRecord(w, st, d.Record)

	if d.Conflict != nil {
		srv := d.Conflict.Server
		fmt.Fprintf(w, "\n%s detected %s\n", st.Bad.Render("Conflict"), d.Conflict.DetectedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  local:  %s %s %q version %d\n", d.Record.Fields.Amount, d.Record.Fields.Currency, d.Record.Fields.Description, d.Record.Version)
		fmt.Fprintf(w, "  server: %s %s %q version %d\n", srv.Fields.Amount, srv.Fields.Currency, srv.Fields.Description, srv.Version)
	}

	fmt.Fprintf(w, "\nOperations (%d):\n", len(d.Operations))
	for _, op := range d.Operations {
		state := "live"
		if op.Processed {
			state = string(op.Outcome)
		}
		fmt.Fprintf(w, "  %s %-6s %s %s\n", op.EnqueuedAt.Format(time.RFC3339), op.Kind, state, st.Muted.Render(op.ID))
	}

	fmt.Fprintf(w, "\nHistory (%d):\n", len(d.History))
	for _, e := range d.History {
		writeLogLine(w, st, e)
	}
}

// recordList renders records as a table.
type recordList []ledger.Record

func (l recordList) RenderText(w io.Writer, st Styles) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "DATE", "ACCOUNT", "DESCRIPTION", "AMOUNT", "STATUS")
	for _, r := range l {
		t.Row(r.ID, r.Fields.OccurredAt.Format(time.DateOnly), r.Fields.Account,
			r.Fields.Description, r.Fields.Amount+" "+r.Fields.Currency, statusLabel(Styles{}, r))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d record(s)\n", len(l))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
