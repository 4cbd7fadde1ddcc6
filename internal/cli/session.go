package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/engine"
	"github.com/roach88/tally/internal/logging"
	"github.com/roach88/tally/internal/remote"
	"github.com/roach88/tally/internal/retry"
	"github.com/roach88/tally/internal/store"
)

// errNoRemote is returned by commands that need the remote when none is configured.
var errNoRemote = errors.New("no remote configured (set remote.url or TALLY_REMOTE_URL)")

// session bundles what a command needs: the effective config, a logger and
// the open store. Close releases whatever was opened.
type session struct {
	cfg    config.Config
	logger zerolog.Logger
	store  *store.Store

	logCloser io.Closer
}

// loadConfig resolves the effective configuration, applying the global flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.DB != "" {
		cfg.DB = opts.DB
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// configure loads config and builds the logger, without opening the store.
func configure(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to configure logging", err)
	}
	return &session{cfg: cfg, logger: logger, logCloser: closer}, nil
}

// openSession loads config, builds the logger and opens the store.
func openSession(opts *RootOptions, cmd *cobra.Command) (*session, error) {
	s, err := configure(opts, cmd)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("path", s.cfg.DB).Msg("opening database")
	st, err := store.Open(s.cfg.DB)
	if err != nil {
		s.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	s.store = st
	return s, nil
}

// Close closes the store, if open, and the log sink.
func (s *session) Close() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("error closing database")
		}
	}
	_ = s.logCloser.Close()
}

// client returns the HTTP client for the configured remote.
func (s *session) client() (*remote.HTTPClient, error) {
	if s.cfg.Offline() {
		return nil, WrapExitError(ExitCommandError, "cannot sync", errNoRemote)
	}
	var opts []remote.HTTPOption
	if s.cfg.Remote.Secret != "" {
		opts = append(opts, remote.WithDeviceAuth(s.cfg.DeviceID, []byte(s.cfg.Remote.Secret)))
	}
	if s.cfg.Remote.Timeout > 0 {
		opts = append(opts, remote.WithTimeout(s.cfg.Remote.Timeout))
	}
	return remote.NewHTTPClient(s.cfg.Remote.URL, opts...), nil
}

// orchestrator builds the sync orchestrator over client. Commands that never
// reach the remote (reset, cleanup) pass remote.Offline{}.
func (s *session) orchestrator(client remote.Client) *engine.Orchestrator {
	return engine.New(s.store, client,
		engine.WithPolicy(s.policy()),
		engine.WithLogger(s.logger),
		engine.WithBatchSize(s.cfg.Sync.BatchSize),
		engine.WithCallTimeout(s.cfg.Sync.CallTimeout),
	)
}

func (s *session) policy() retry.Policy {
	return retry.Policy{
		Base:       s.cfg.Retry.Base,
		Max:        s.cfg.Retry.Max,
		MaxRetries: s.cfg.Retry.MaxRetries,
	}
}

// describeRemote is the remote URL for log lines, or "offline".
func (s *session) describeRemote() string {
	if s.cfg.Offline() {
		return "offline"
	}
	return fmt.Sprintf("%s as %s", s.cfg.Remote.URL, s.cfg.DeviceID)
}
