// Package reliability keeps the databases compact and watches disk headroom.
package reliability

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/aristath/marketsync/internal/database"
)

// Disk headroom thresholds in bytes
const (
	criticalFreeBytes = 500 << 20 // refuse to vacuum, a full VACUUM needs a copy of the file
	lowFreeBytes      = 5 << 30
)

// DiskUsageFunc reports the free bytes of the filesystem holding path
type DiskUsageFunc func(ctx context.Context, path string) (uint64, error)

func gopsutilFree(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// MaintenanceJob reclaims free pages and reports database growth.
// Standard databases run an incremental vacuum; cache databases a full VACUUM.
type MaintenanceJob struct {
	databases map[string]*database.DB
	freeSpace DiskUsageFunc
	timeout   time.Duration
	log       zerolog.Logger
}

// NewMaintenanceJob creates a maintenance job over databases
func NewMaintenanceJob(databases map[string]*database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		freeSpace: gopsutilFree,
		timeout:   30 * time.Minute,
		log:       log.With().Str("job", "database_maintenance").Logger(),
	}
}

// WithDiskUsage replaces the free space lookup
func (j *MaintenanceJob) WithDiskUsage(fn DiskUsageFunc) *MaintenanceJob {
	j.freeSpace = fn
	return j
}

// Name returns the job name for scheduler
func (j *MaintenanceJob) Name() string {
	return "database_maintenance"
}

// Run executes the maintenance pass. Low disk space skips the vacuum step and
// is reported as an error; vacuum failures are logged and do not stop other databases.
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	j.log.Info().Msg("Starting database maintenance")
	startTime := time.Now()

	names := make([]string, 0, len(j.databases))
	for name := range j.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := j.checkDiskSpace(ctx); err != nil {
		j.logGrowth(ctx, names)
		return err
	}

	for _, name := range names {
		db := j.databases[name]
		if err := j.vacuumDatabase(ctx, db); err != nil {
			j.log.Error().Str("database", name).Err(err).Msg("Vacuum failed")
		}
	}

	j.logGrowth(ctx, names)

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Database maintenance completed")
	return nil
}

// checkDiskSpace checks the directory of any database; they share a data dir
func (j *MaintenanceJob) checkDiskSpace(ctx context.Context) error {
	for _, db := range j.databases {
		free, err := j.freeSpace(ctx, filepath.Dir(db.Path()))
		if err != nil {
			j.log.Warn().Err(err).Msg("Failed to read disk usage")
			return nil
		}

		freeMB := float64(free) / (1 << 20)
		switch {
		case free < criticalFreeBytes:
			j.log.Error().Float64("free_mb", freeMB).Msg("CRITICAL: insufficient disk space, skipping vacuum")
			return fmt.Errorf("only %.0f MB free on data volume", freeMB)
		case free < lowFreeBytes:
			j.log.Warn().Float64("free_mb", freeMB).Msg("Disk space running low")
		default:
			j.log.Debug().Float64("free_mb", freeMB).Msg("Disk space check")
		}
		return nil
	}
	return nil
}

func (j *MaintenanceJob) vacuumDatabase(ctx context.Context, db *database.DB) error {
	before, err := db.GetStats(ctx)
	if err != nil {
		return err
	}

	stmt := "PRAGMA incremental_vacuum"
	if db.Profile() == database.ProfileCache {
		stmt = "VACUUM"
	}
	if _, err := db.Conn().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%s failed for %s: %w", stmt, db.Name(), err)
	}

	after, err := db.GetStats(ctx)
	if err != nil {
		return err
	}

	j.log.Info().
		Str("database", db.Name()).
		Str("statement", stmt).
		Int64("pages_before", before.PageCount).
		Int64("pages_after", after.PageCount).
		Int64("pages_reclaimed", before.PageCount-after.PageCount).
		Msg("Vacuum completed")
	return nil
}

func (j *MaintenanceJob) logGrowth(ctx context.Context, names []string) {
	for _, name := range names {
		stats, err := j.databases[name].GetStats(ctx)
		if err != nil {
			j.log.Error().Str("database", name).Err(err).Msg("Failed to get metrics")
			continue
		}
		j.log.Info().
			Str("database", name).
			Float64("size_mb", float64(stats.SizeBytes)/(1<<20)).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/(1<<20)).
			Int64("free_pages", stats.FreelistCount).
			Msg("Database metrics")
	}
}
