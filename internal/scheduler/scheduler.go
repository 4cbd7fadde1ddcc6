// Package scheduler triggers sync cycles and maintenance on a cadence.
//
// The sync core holds no timers; this package is the only place that does.
// It runs two loops, one calling RunCycle on the sync interval while online
// and one calling Cleanup on the cleanup interval regardless of
// connectivity. Going back online triggers an immediate cycle.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tally/internal/engine"
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	RunCycle(ctx context.Context) (engine.Report, error)
	Cleanup(ctx context.Context, retention time.Duration) (engine.CleanupResult, error)
}

// Config holds scheduler cadence.
type Config struct {
	SyncInterval    time.Duration // How often to sync when online (default: 5 minutes)
	CleanupInterval time.Duration // How often to prune history (default: 24 hours)
	Retention       time.Duration // How much history cleanup keeps (default: 30 days)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    5 * time.Minute,
		CleanupInterval: 24 * time.Hour,
		Retention:       30 * 24 * time.Hour,
	}
}

// Status is a snapshot of scheduler state.
type Status struct {
	Running    bool           `json:"running"`
	Online     bool           `json:"online"`
	Cycles     int            `json:"cycles"`
	Skipped    int            `json:"skipped"`
	LastReport *engine.Report `json:"last_report,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

// Scheduler drives a Runner.
type Scheduler struct {
	runner Runner
	cfg    Config
	logger zerolog.Logger

	// Tick sources; real tickers unless replaced in tests.
	syncTicks    <-chan time.Time
	cleanupTicks <-chan time.Time

	wake chan struct{}
	wg   sync.WaitGroup

	mu      sync.RWMutex
	running bool
	online  bool
	cycles  int
	skipped int
	last    *engine.Report
	lastErr error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithTicks replaces the interval tickers. Used by tests to step time.
func WithTicks(syncTicks, cleanupTicks <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.syncTicks = syncTicks
		s.cleanupTicks = cleanupTicks
	}
}

// New creates a Scheduler. Zero config fields take their defaults.
func New(runner Runner, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	s := &Scheduler{
		runner: runner,
		cfg:    cfg,
		logger: zerolog.Nop(),
		wake:   make(chan struct{}, 1),
		online: true, // Assume online initially
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "scheduler").Logger()
	return s
}

// Run blocks running both loops until ctx is done. A cycle in flight when
// ctx ends completes its current step before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	syncTicks, cleanupTicks := s.syncTicks, s.cleanupTicks
	if syncTicks == nil {
		t := time.NewTicker(s.cfg.SyncInterval)
		defer t.Stop()
		syncTicks = t.C
	}
	if cleanupTicks == nil {
		t := time.NewTicker(s.cfg.CleanupInterval)
		defer t.Stop()
		cleanupTicks = t.C
	}

	s.logger.Info().
		Dur("sync_interval", s.cfg.SyncInterval).
		Dur("cleanup_interval", s.cfg.CleanupInterval).
		Msg("scheduler started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-syncTicks:
			case <-s.wake:
			}
			if s.IsOnline() {
				s.SyncNow(gctx)
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-cleanupTicks:
				if _, err := s.runner.Cleanup(gctx, s.cfg.Retention); err != nil {
					s.logger.Error().Err(err).Msg("cleanup failed")
				}
			}
		}
	})
	err := g.Wait()
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
	return err
}

// SetOnline records connectivity. Coming back online wakes the sync loop.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if was == online {
		return
	}
	s.logger.Info().Bool("online", online).Msg("connectivity changed")
	if online {
		s.nudge()
	}
}

// IsOnline reports the last connectivity set.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// TriggerSync starts a cycle in the background and returns immediately.
// Returns false when offline; a cycle already in flight makes the
// triggered one report ErrAlreadyRunning, which is counted as skipped.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsOnline() {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.SyncNow(ctx)
	}()
	return true
}

// SyncNow runs one cycle and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (engine.Report, error) {
	report, err := s.runner.RunCycle(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(err, engine.ErrAlreadyRunning) {
		s.skipped++
		s.logger.Debug().Msg("sync already in progress, skipping")
		return report, err
	}
	s.cycles++
	s.last = &report
	s.lastErr = err
	if err == nil && report.Err != nil {
		s.lastErr = report.Err
	}
	return report, err
}

// Status returns a snapshot of scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Running: s.running,
		Online:  s.online,
		Cycles:  s.cycles,
		Skipped: s.skipped,
	}
	if s.last != nil {
		r := *s.last
		st.LastReport = &r
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// nudge wakes the sync loop without blocking; wakes coalesce.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
