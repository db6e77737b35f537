// Package maintenance runs the engine's background housekeeping on a cron
// schedule: periodic summarization sweeps over open sessions and reclaiming
// idle session handles.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Engine is the slice of engine operations the sweeps need.
type Engine interface {
	Summarize(ctx context.Context, sessionID string) error
}

// Registry is the slice of registry operations the sweeps need.
type Registry interface {
	ActiveSessions() []string
	CloseIdle(ttl time.Duration) []string
}

// Config controls the scheduler cadence.
type Config struct {
	// SweepEvery is a cron spec (e.g. "@every 5m") for the summarization
	// sweep.
	SweepEvery string
	// IdleTTL is how long a session handle may sit unused before the
	// sweep closes it.
	IdleTTL time.Duration
	// SweepTimeout bounds one full summarization sweep. Defaults to 2
	// minutes.
	SweepTimeout time.Duration
}

// Scheduler owns the cron runner for background sweeps.
type Scheduler struct {
	engine   Engine
	registry Registry
	cfg      Config
	cron     *cron.Cron
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(engine Engine, registry Registry, cfg Config) *Scheduler {
	if cfg.SweepEvery == "" {
		cfg.SweepEvery = "@every 5m"
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 2 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		registry: registry,
		cfg:      cfg,
		cron:     cron.New(),
	}
}

// Start registers the sweeps and begins the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.SweepEvery, s.runSweep); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("maintenance scheduler started",
		"sweep_every", s.cfg.SweepEvery,
		"idle_ttl", s.cfg.IdleTTL)
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("maintenance scheduler stopped")
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
	defer cancel()
	s.SummarizeSweep(ctx)
	s.ReclaimIdle()
}

// SummarizeSweep runs a threshold-gated condensation pass over every open
// session. Failures are logged per session and never abort the sweep.
func (s *Scheduler) SummarizeSweep(ctx context.Context) {
	sessions := s.registry.ActiveSessions()
	for _, id := range sessions {
		if err := s.engine.Summarize(ctx, id); err != nil {
			slog.Warn("summarization sweep failed for session",
				"session_id", id, "error", err)
		}
	}
	slog.Debug("summarization sweep complete", "sessions", len(sessions))
}

// ReclaimIdle closes session handles unused for longer than the idle TTL.
func (s *Scheduler) ReclaimIdle() {
	if closed := s.registry.CloseIdle(s.cfg.IdleTTL); len(closed) > 0 {
		slog.Info("reclaimed idle sessions", "count", len(closed))
	}
}
