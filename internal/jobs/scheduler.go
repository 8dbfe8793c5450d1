/**
 * @description
 * Cron scheduler setup for the scheduled jobs.
 */
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules carries the cron expressions for the jobs.
type Schedules struct {
	SubscriptionRenewal string
	TokenExpiry         string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedules.SubscriptionRenewal, s.jobs.RenewDueSubscriptions); err != nil {
		s.logger.Error("failed to schedule subscription renewal job", "error", err)
	} else {
		s.logger.Info("scheduled subscription renewal job", "schedule", s.schedules.SubscriptionRenewal)
	}

	if _, err := s.cron.AddFunc(s.schedules.TokenExpiry, s.jobs.ExpireStaleTokens); err != nil {
		s.logger.Error("failed to schedule token expiry job", "error", err)
	} else {
		s.logger.Info("scheduled token expiry job", "schedule", s.schedules.TokenExpiry)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
