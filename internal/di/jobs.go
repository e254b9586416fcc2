package di

import (
	"fmt"

	"github.com/aristath/marketsync/internal/clientdata"
	"github.com/aristath/marketsync/internal/config"
	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/modules/marketsync"
	"github.com/aristath/marketsync/internal/reliability"
	"github.com/aristath/marketsync/internal/scheduler"
	"github.com/rs/zerolog"
)

// Maintenance schedules (cron with seconds)
const (
	walCheckpointSchedule = "0 */15 * * * *"
	coreDBCheckSchedule   = "0 0 3 * * *"
	cacheCleanupSchedule  = "0 0 * * * *"
	maintenanceSchedule   = "0 0 4 * * SUN"
)

// RegisterJobs adds the scheduled jobs and starts the scheduler
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.WorkProcessor == nil {
		return fmt.Errorf("work processor must be initialized first")
	}

	sched := scheduler.New(log)
	dbs := container.Databases()

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		// Runs go through the work processor so they never overlap a manual run
		{cfg.Sync.Schedule, scheduler.NewSubmitRunJob("sync_bars", marketsync.WorkTypeSync, func() interface{} {
			return marketsync.Request{Mode: domain.SyncModeAuto}
		}, container.WorkProcessor, log)},
		{cfg.Sync.ReferenceSchedule, scheduler.NewSubmitRunJob("sync_reference", marketsync.WorkTypeReference, nil, container.WorkProcessor, log)},

		// Maintenance
		{walCheckpointSchedule, scheduler.NewCheckWALCheckpointsJob(dbs, log)},
		{coreDBCheckSchedule, scheduler.NewCheckCoreDatabasesJob(dbs, log)},
		{cacheCleanupSchedule, clientdata.NewCleanupJob(container.ClientData, log)},
		{maintenanceSchedule, reliability.NewMaintenanceJob(dbs, log)},
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}

	sched.Start()
	container.Scheduler = sched

	log.Info().Int("jobs", len(jobs)).Msg("Scheduler started")
	return nil
}
