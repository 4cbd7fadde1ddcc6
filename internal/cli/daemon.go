package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/scheduler"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	ProbeInterval time.Duration
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync and prune on a schedule until stopped",
		Long: `Run sync cycles every sync.interval while the remote answers its health
probe, and prune history every cleanup.interval regardless of connectivity.
Coming back online triggers a cycle immediately.

Without a configured remote only cleanup runs.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.ProbeInterval, "probe-interval", 30*time.Second, "how often to probe remote health")

	return cmd
}

func runDaemon(opts *DaemonOptions, cmd *cobra.Command) error {
	if opts.ProbeInterval <= 0 {
		return NewExitError(ExitCommandError, "--probe-interval must be positive")
	}

	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var client remote.Client = remote.Offline{}
	var probe *remote.HTTPClient
	if !s.cfg.Offline() {
		if probe, err = s.client(); err != nil {
			return err
		}
		client = probe
	}

	sched := scheduler.New(s.orchestrator(client), scheduler.Config{
		SyncInterval:    s.cfg.Sync.Interval,
		CleanupInterval: s.cfg.Cleanup.Interval,
		Retention:       s.cfg.Cleanup.Retention,
	}, scheduler.WithLogger(s.logger))

	ctx, cancel := signalContext(cmd, s.logger)
	defer cancel()

	// Offline until the first probe answers; going online wakes the sync loop.
	sched.SetOnline(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if probe != nil {
		g.Go(func() error {
			probeLoop(gctx, probe, sched, opts.ProbeInterval, s.cfg.Sync.CallTimeout)
			return nil
		})
	}

	fmt.Fprintf(noticeWriter(opts.RootOptions, cmd), "Daemon started (%s). Press Ctrl-C to stop.\n", s.describeRemote())
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}
	return opts.formatter(cmd).Success(daemonSummary(sched.Status()))
}

// healthChecker is the part of the HTTP client the probe loop needs.
type healthChecker interface {
	Health(ctx context.Context) error
}

// onlineSetter receives probe results.
type onlineSetter interface {
	SetOnline(online bool)
}

// probeLoop reports remote health to sched until ctx ends. The first probe
// runs immediately.
func probeLoop(ctx context.Context, hc healthChecker, sched onlineSetter, every, timeout time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		sched.SetOnline(hc.Health(pctx) == nil)
	}

	check()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

type daemonSummary scheduler.Status

func (d daemonSummary) RenderText(w io.Writer, st Styles) {
	fmt.Fprintf(w, "Daemon stopped after %d cycle(s), %d skipped.\n", d.Cycles, d.Skipped)
	if d.LastReport != nil {
		fmt.Fprintf(w, "Last cycle: %s %s\n", d.LastReport.CycleID, d.LastReport.Outcome)
	}
	if d.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", st.Bad.Render(d.LastError))
	}
}
