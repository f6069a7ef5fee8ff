package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// SchedulerServiceName is the name the scheduler registers under with the supervisor.
const SchedulerServiceName = "snapshot_scheduler"

// Scheduler takes snapshots on a cron schedule. It runs as a supervised service.
type Scheduler struct {
	manager  *Manager
	schedule string
	logger   *slog.Logger
}

// NewScheduler validates schedule, a standard cron expression or a descriptor
// such as "@every 5m".
func NewScheduler(manager *Manager, schedule string, logger *slog.Logger) (*Scheduler, error) {
	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule '%s': %w", schedule, err)
	}

	return &Scheduler{
		manager:  manager,
		schedule: schedule,
		logger:   logger.With("module", "snapshot_scheduler"),
	}, nil
}

func (s *Scheduler) Name() string {
	return SchedulerServiceName
}

// Start runs the schedule until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	_, err := c.AddFunc(s.schedule, func() {
		_, err := s.manager.RequestSnapshot(ctx)
		if err != nil {
			s.logger.ErrorContext(ctx, "Scheduled snapshot failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule snapshots: %w", err)
	}

	s.logger.InfoContext(ctx, "Snapshot schedule started", "schedule", s.schedule)
	c.Start()

	<-ctx.Done()

	<-c.Stop().Done()
	s.logger.InfoContext(ctx, "Snapshot schedule stopped")

	return ctx.Err()
}

func (s *Scheduler) Stop(_ context.Context) error {
	return nil
}
