package scheduler

import (
	"context"
	"time"

	"github.com/aristath/marketsync/internal/database"
	"github.com/rs/zerolog"
)

// walFramesWarning is the WAL size, in frames, above which a passive checkpoint is escalated
const walFramesWarning = 1000

// CheckWALCheckpointsJob checkpoints the WAL of every database and truncates large ones
type CheckWALCheckpointsJob struct {
	log       zerolog.Logger
	databases map[string]*database.DB
}

// NewCheckWALCheckpointsJob creates a new CheckWALCheckpointsJob. Nil databases are skipped.
func NewCheckWALCheckpointsJob(databases map[string]*database.DB, log zerolog.Logger) *CheckWALCheckpointsJob {
	return &CheckWALCheckpointsJob{
		log:       log.With().Str("job", "check_wal_checkpoints").Logger(),
		databases: databases,
	}
}

// Name returns the job name
func (j *CheckWALCheckpointsJob) Name() string {
	return "check_wal_checkpoints"
}

// Run executes the check WAL checkpoints job
func (j *CheckWALCheckpointsJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	checkedCount := 0
	for name, db := range j.databases {
		if db == nil {
			continue
		}

		res, err := db.WALCheckpoint(ctx, "PASSIVE")
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", name).
				Msg("Failed to check WAL checkpoint")
			continue
		}

		if res.LogFrames > walFramesWarning {
			j.log.Warn().
				Str("database", name).
				Int("wal_frames", res.LogFrames).
				Int("checkpointed", res.Checkpointed).
				Msg("WAL file is large, truncating")
			if _, err := db.WALCheckpoint(ctx, "TRUNCATE"); err != nil {
				j.log.Warn().Err(err).Str("database", name).Msg("Failed to truncate WAL")
			}
		} else {
			j.log.Debug().
				Str("database", name).
				Int("wal_frames", res.LogFrames).
				Msg("WAL checkpoint status OK")
		}

		checkedCount++
	}

	j.log.Info().
		Int("checked", checkedCount).
		Msg("WAL checkpoint check completed")

	return nil
}
