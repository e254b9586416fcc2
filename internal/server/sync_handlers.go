package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/modules/marketsync"
	"github.com/aristath/marketsync/internal/work"
)

// SyncStatus exposes the orchestrator's observable state
type SyncStatus interface {
	State() marketsync.State
	LastReport() *marketsync.Report
}

// RunQueue accepts runs for the single-worker processor
type RunQueue interface {
	Submit(workTypeID string, payload interface{}) (*work.WorkItem, error)
	Snapshot() work.Snapshot
}

// StatsSource returns a JSON-encodable view of a component's counters
type StatsSource func() interface{}

// SyncHandlers triggers runs and reports their status
type SyncHandlers struct {
	sync    SyncStatus
	runs    RunQueue
	limiter StatsSource
	gateway StatsSource
	log     zerolog.Logger
	now     func() time.Time
}

// NewSyncHandlers creates sync handlers. limiter and gateway may be nil.
func NewSyncHandlers(sync SyncStatus, runs RunQueue, limiter, gateway StatsSource, log zerolog.Logger) *SyncHandlers {
	return &SyncHandlers{
		sync:    sync,
		runs:    runs,
		limiter: limiter,
		gateway: gateway,
		log:     log.With().Str("handler", "sync").Logger(),
		now:     time.Now,
	}
}

// HandleTriggerSync queues a sync run
// POST /api/sync {"mode": "auto|full|incremental", "lookback_days": N, "threshold": N}
func (h *SyncHandlers) HandleTriggerSync(w http.ResponseWriter, r *http.Request) {
	var req marketsync.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(h.log, w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = domain.SyncModeAuto
	}
	if !req.Mode.Valid() {
		writeError(h.log, w, http.StatusBadRequest, "mode must be auto, full or incremental")
		return
	}
	if req.LookbackDays < 0 || req.Threshold < 0 {
		writeError(h.log, w, http.StatusBadRequest, "lookback_days and threshold must not be negative")
		return
	}

	h.submit(w, marketsync.WorkTypeSync, req)
}

// HandleTriggerReference queues a reference data refresh
// POST /api/reference/sync
func (h *SyncHandlers) HandleTriggerReference(w http.ResponseWriter, r *http.Request) {
	h.submit(w, marketsync.WorkTypeReference, nil)
}

// HandleTriggerAdjFactors queues a standalone adj factor backfill for one security
// POST /api/securities/{id}/adj-factors/sync?from=YYYYMMDD&to=YYYYMMDD
func (h *SyncHandlers) HandleTriggerAdjFactors(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r, h.now(), 0)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	h.submit(w, marketsync.WorkTypeAdjFactors, marketsync.AdjFactorRequest{
		SecurityID: chi.URLParam(r, "id"),
		Range:      rng,
	})
}

// HandleTriggerSecurityHistory queues a bar and adj factor re-pull for one security.
// from is required; to defaults to today.
// POST /api/securities/{id}/history/sync?from=YYYYMMDD&to=YYYYMMDD
func (h *SyncHandlers) HandleTriggerSecurityHistory(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("from") == "" {
		writeError(h.log, w, http.StatusBadRequest, "from is required")
		return
	}
	rng, err := parseRange(r, h.now(), 0)
	if err != nil {
		writeError(h.log, w, http.StatusBadRequest, err.Error())
		return
	}
	h.submit(w, marketsync.WorkTypeSecurityHistory, marketsync.SecurityHistoryRequest{
		SecurityID: chi.URLParam(r, "id"),
		Range:      rng,
	})
}

func (h *SyncHandlers) submit(w http.ResponseWriter, workTypeID string, payload interface{}) {
	item, err := h.runs.Submit(workTypeID, payload)
	if errors.Is(err, work.ErrBusy) {
		writeJSON(h.log, w, http.StatusConflict, map[string]interface{}{
			"error":  err.Error(),
			"active": h.runs.Snapshot().Active,
		})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("work", workTypeID).Msg("Failed to queue run")
		writeError(h.log, w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(h.log, w, http.StatusAccepted, map[string]string{
		"run_id": item.ID,
		"type":   workTypeID,
		"status": string(item.Status),
	})
}

// HandleSyncStatus reports the orchestrator state, the last report, the run queue
// and the limiter and gateway counters
// GET /api/sync/status
func (h *SyncHandlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"state":       h.sync.State(),
		"last_report": h.sync.LastReport(),
		"runs":        h.runs.Snapshot(),
	}
	if h.limiter != nil {
		response["limiter"] = h.limiter()
	}
	if h.gateway != nil {
		response["gateway"] = h.gateway()
	}
	writeJSON(h.log, w, http.StatusOK, response)
}
