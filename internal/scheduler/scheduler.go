package scheduler

import (
	"context"
	"fmt"

	"bounty-escrow-go/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs the background jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	config models.SchedulerConfig
}

func NewScheduler(jobs *Jobs, cfg models.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(zap.L()))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an
// invalid schedule fails startup.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"pending order sweep", s.config.PendingOrderSweep, s.jobs.PurgeExpiredPendingOrders},
		{"fee retry", s.config.FeeRetrySchedule, s.jobs.RetryUncollectedFees},
		{"ledger reconciliation", s.config.ReconciliationSchedule, s.jobs.ReconcileLedger},
	}

	for _, entry := range entries {
		if entry.schedule == "" {
			zap.L().Info("Job disabled", zap.String("job", entry.name))
			continue
		}
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			return fmt.Errorf("failed to schedule %s job: %w", entry.name, err)
		}
		zap.L().Info("Scheduled job", zap.String("job", entry.name), zap.String("schedule", entry.schedule))
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
