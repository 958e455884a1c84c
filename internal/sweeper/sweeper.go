package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultMaxAge        = 60 * time.Second
	defaultPurgeInterval = time.Hour
	defaultRetention     = 24 * time.Hour
	jobTimeout           = 30 * time.Second
)

// Maintainer is the queue surface the sweeper drives. Both the local
// approval service and the HTTP client satisfy it.
type Maintainer interface {
	SweepTimeouts(ctx context.Context, maxAge time.Duration) (int64, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// Config controls the maintenance schedule.
type Config struct {
	SweepInterval time.Duration
	MaxAge        time.Duration
	PurgeInterval time.Duration
	Retention     time.Duration
}

// Sweeper times out stale pending requests and purges old ones on a schedule.
type Sweeper struct {
	cfg    Config
	target Maintainer

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a sweeper. Zero config values fall back to defaults.
func New(cfg Config, target Maintainer) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = defaultPurgeInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Sweeper{cfg: cfg, target: target}
}

// Config returns the effective schedule.
func (s *Sweeper) Config() Config { return s.cfg }

// Start schedules the sweep and purge jobs. Calling Start twice is a no-op.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(func() { s.RunSweep(context.Background()) }))
	c.Schedule(cron.Every(s.cfg.PurgeInterval), cron.FuncJob(func() { s.RunPurge(context.Background()) }))
	c.Start()

	s.cron = c
	s.running = true
	slog.Info("sweeper started",
		"sweep_interval", s.cfg.SweepInterval.String(),
		"max_age", s.cfg.MaxAge.String(),
		"purge_interval", s.cfg.PurgeInterval.String(),
		"retention", s.cfg.Retention.String())
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	slog.Info("sweeper stopped")
}

// Run starts the sweeper and blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunSweep performs one timeout pass and returns the number of requests moved
// to timeout.
func (s *Sweeper) RunSweep(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	n, err := s.target.SweepTimeouts(ctx, s.cfg.MaxAge)
	if err != nil {
		slog.Warn("timeout sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Debug("timeout sweep finished", "count", n)
	}
	return n
}

// RunPurge performs one retention pass and returns the number of deleted
// requests.
func (s *Sweeper) RunPurge(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	n, err := s.target.Purge(ctx, s.cfg.Retention)
	if err != nil {
		slog.Warn("retention purge failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Debug("retention purge finished", "count", n)
	}
	return n
}

// cronLogger routes robfig/cron diagnostics to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
