package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/remote"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// signalContext returns a context cancelled on SIGINT/SIGTERM or when the
// command's own context ends (tests cancel it directly).
func signalContext(cmd *cobra.Command, logger zerolog.Logger) (context.Context, context.CancelFunc) {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// noticeWriter is where long-running commands announce themselves. JSON
// output keeps stdout to the single response.
func noticeWriter(opts *RootOptions, cmd *cobra.Command) io.Writer {
	if opts.Format == "json" {
		return cmd.ErrOrStderr()
	}
	return cmd.OutOrStdout()
}

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote data service",
		Long: `Run an in-memory remote data service that speaks the sync protocol.

It assigns server ids, deduplicates replayed pushes and rejects stale
versions with 409 and the server copy. With remote.secret set, requests must
carry a device token signed with the same secret. State is lost on exit.

Examples:
  tally serve
  tally serve --addr :8787`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides serve.addr)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	s, err := configure(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := s.cfg.Serve.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	srvOpts := []remote.ServerOption{remote.WithServerLogger(s.logger)}
	if s.cfg.Remote.Secret != "" {
		srvOpts = append(srvOpts, remote.WithServerSecret([]byte(s.cfg.Remote.Secret)))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	server := &http.Server{
		Handler:           remote.NewServer(srvOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext(cmd, s.logger)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.cfg.Remote.Secret != "").Msg("remote service listening")
	fmt.Fprintf(noticeWriter(opts.RootOptions, cmd), "Serving on http://%s. Press Ctrl-C to stop.\n", ln.Addr())

	select {
	case err := <-errCh:
		return WrapExitError(ExitFailure, "server error", err)
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown failed", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	s.logger.Info().Msg("remote service stopped")
	return nil
}
