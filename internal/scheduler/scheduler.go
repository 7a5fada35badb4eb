package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs for each job.
type Schedules struct {
	Pipeline string
	Expiry   string
}

// Scheduler runs the jobs on cron schedules.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs run with a
// context derived from ctx that is cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if _, err := s.cron.AddFunc(s.schedules.Pipeline, func() { s.jobs.RunPipeline(s.ctx) }); err != nil {
		s.logger.Error("failed to schedule deposit pipeline job", "error", err)
		return err
	}
	s.logger.Info("scheduled deposit pipeline job", "schedule", s.schedules.Pipeline)

	if _, err := s.cron.AddFunc(s.schedules.Expiry, func() { s.jobs.RunExpiry(s.ctx) }); err != nil {
		s.logger.Error("failed to schedule session expiry job", "error", err)
		return err
	}
	s.logger.Info("scheduled session expiry job", "schedule", s.schedules.Expiry)

	s.cron.Start()
	return nil
}

// Stop cancels in-flight jobs and returns a context done when they finish.
func (s *Scheduler) Stop() context.Context {
	if s.cancel != nil {
		s.cancel()
	}
	return s.cron.Stop()
}
