package server

import (
	"context"
	"net/http"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/marketsync/internal/database"
	"github.com/aristath/marketsync/internal/scheduler"
)

// SystemHandlers reports host and database statistics
type SystemHandlers struct {
	log       zerolog.Logger
	databases map[string]*database.DB
	scheduler *scheduler.Scheduler
	startedAt time.Time
}

// NewSystemHandlers creates system handlers. Nil databases and a nil scheduler are tolerated.
func NewSystemHandlers(log zerolog.Logger, databases map[string]*database.DB, sched *scheduler.Scheduler) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("handler", "system").Logger(),
		databases: databases,
		scheduler: sched,
		startedAt: time.Now(),
	}
}

// SystemStats is the response of /api/system/stats
type SystemStats struct {
	CPUPercent    float64                    `json:"cpu_percent"`
	MemoryPercent float64                    `json:"memory_percent"`
	MemoryUsedMB  float64                    `json:"memory_used_mb"`
	DiskPercent   float64                    `json:"disk_percent,omitempty"`
	DiskFreeMB    float64                    `json:"disk_free_mb,omitempty"`
	Goroutines    int                        `json:"goroutines"`
	HeapAllocMB   float64                    `json:"heap_alloc_mb"`
	UptimeSeconds float64                    `json:"uptime_seconds"`
	Databases     map[string]*database.Stats `json:"databases"`
}

// HandleSystemStats returns host, process and database statistics
// GET /api/system/stats
func (h *SystemHandlers) HandleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats := SystemStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Databases:     make(map[string]*database.Stats),
	}

	// 100ms sample keeps the endpoint responsive
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		stats.MemoryPercent = memStat.UsedPercent
		stats.MemoryUsedMB = float64(memStat.Used) / 1024 / 1024
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var dataDir string
	for name, db := range h.databases {
		if db == nil {
			continue
		}
		dbStats, err := db.GetStats(ctx)
		if err != nil {
			h.log.Warn().Err(err).Str("database", name).Msg("Failed to get database stats")
			continue
		}
		stats.Databases[name] = dbStats
		if dataDir == "" {
			dataDir = filepath.Dir(db.Path())
		}
	}

	if dataDir != "" {
		if usage, err := disk.UsageWithContext(ctx, dataDir); err != nil {
			h.log.Warn().Err(err).Str("dir", dataDir).Msg("Failed to get disk usage")
		} else {
			stats.DiskPercent = usage.UsedPercent
			stats.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		}
	}

	writeJSON(h.log, w, http.StatusOK, stats)
}

// HandleJobs lists scheduled jobs
// GET /api/system/jobs
func (h *SystemHandlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobInfo{}
	if h.scheduler != nil {
		jobs = h.scheduler.Jobs()
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
