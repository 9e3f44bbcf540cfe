// Package maintenance schedules the background jobs that keep the
// policy engine honest over time: reaping deployments stuck without a
// terminal confirmation, and sweeping expired idempotency keys.
package maintenance

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Reaper force-fails deployments stuck past the configured timeout.
type Reaper interface {
	ReapStuck(ctx context.Context) (int, error)
}

// Sweeper removes idempotency entries older than the replay window.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

const (
	reapSpec  = "@every 1m"
	sweepSpec = "@every 10m"
)

// Scheduler runs the background jobs on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	reaper  Reaper
	sweeper Sweeper
	logger  *slog.Logger
}

// New creates a scheduler; Start registers and runs the jobs.
func New(reaper Reaper, sweeper Sweeper, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		reaper:  reaper,
		sweeper: sweeper,
		logger:  logger,
	}
}

// Start begins running the jobs in background goroutines.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(reapSpec, s.reap); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(sweepSpec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("maintenance jobs scheduled",
		"reap", reapSpec, "sweep", sweepSpec)
	return nil
}

// Stop halts scheduling and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) reap() {
	n, err := s.reaper.ReapStuck(context.Background())
	if err != nil {
		s.logger.Error("stuck-deployment reap failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Warn("force-failed stuck deployments", "count", n)
	}
}

func (s *Scheduler) sweep() {
	n, err := s.sweeper.Sweep(context.Background())
	if err != nil {
		s.logger.Error("idempotency sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("swept expired idempotency keys", "count", n)
	}
}
