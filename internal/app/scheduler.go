package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron specs of the scheduled jobs.
type ScheduleConfig struct {
	ExpirySchedule       string
	ReconcileSchedule    string
	TokenCleanupSchedule string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config ScheduleConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an invalid
// schedule is logged and skipped.
func (s *Scheduler) Start() {
	s.add("transaction expiry", s.config.ExpirySchedule, s.jobs.ExpireStaleTransactions)
	s.add("gateway reconciliation", s.config.ReconcileSchedule, s.jobs.ReconcileGatewayTopups)
	s.add("auth token cleanup", s.config.TokenCleanupSchedule, s.jobs.PurgeExpiredTokens)
	s.cron.Start()
}

func (s *Scheduler) add(name, spec string, job func()) {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
