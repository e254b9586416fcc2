package marketsync

import (
	"context"
	"errors"
	"time"

	"github.com/aristath/marketsync/internal/domain"
)

// State is the orchestrator's position in a run
type State string

const (
	StateIdle            State = "idle"
	StateDeciding        State = "deciding"
	StateFullSync        State = "full_sync"
	StateIncrementalSync State = "incremental_sync"
	StateReconciling     State = "reconciling"
)

// Work type IDs under which runs are registered with the work processor
const (
	WorkTypeSync       = "sync:bars"
	WorkTypeReference  = "sync:reference"
	WorkTypeAdjFactors = "sync:adj_factors"

	WorkTypeSecurityHistory = "sync:security_history"
)

// ErrRunInProgress is returned when Run is called while another run is active
var ErrRunInProgress = errors.New("sync run already in progress")

// Request parameterizes one run. Zero values take the configured defaults.
type Request struct {
	Mode         domain.SyncMode `json:"mode"`
	LookbackDays int             `json:"lookback_days"`
	Threshold    int             `json:"threshold"`
}

// AdjFactorRequest asks for the standalone adjustment factors of one security
type AdjFactorRequest struct {
	SecurityID string           `json:"security_id"`
	Range      domain.DateRange `json:"range"`
}

// SecurityHistoryRequest asks for the bars and adjustment factors of one security
type SecurityHistoryRequest struct {
	SecurityID string           `json:"security_id"`
	Range      domain.DateRange `json:"range"`
}

// SecurityHistoryResult is the outcome of a single-security backfill
type SecurityHistoryResult struct {
	SecurityID        string           `json:"security_id"`
	Range             domain.DateRange `json:"range"`
	BarsFetched       int              `json:"bars_fetched"`
	RowsWritten       int64            `json:"rows_written"`
	AdjFactorsWritten int64            `json:"adj_factors_written"`
}

// Failure is one security or bucket that could not be synchronized
type Failure struct {
	Scope      string `json:"scope"`
	SecurityID string `json:"security_id,omitempty"`
	Date       string `json:"date,omitempty"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// Failure scopes
const (
	ScopeSecurity  = "security"
	ScopeBucket    = "bucket"
	ScopeReference = "reference"
)

// CoverageSummary describes per-bucket presence ratios after reconciliation
type CoverageSummary struct {
	Buckets      int     `json:"buckets"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"std_dev"`
	Min          float64 `json:"min"`
	FullyCovered int     `json:"fully_covered"`
}

// Report is the outcome of one run
type Report struct {
	RunID                string           `json:"run_id"`
	Requested            domain.SyncMode  `json:"requested_mode"`
	Mode                 domain.SyncMode  `json:"mode"`
	Window               domain.DateRange `json:"window"`
	Threshold            int              `json:"threshold"`
	StartedAt            time.Time        `json:"started_at"`
	FinishedAt           time.Time        `json:"finished_at"`
	SecuritiesProcessed  int              `json:"securities_processed"`
	BucketsProcessed     int              `json:"buckets_processed"`
	BulkBuckets          int              `json:"bulk_buckets"`
	GapCalls             int              `json:"gap_calls"`
	SkippedGaps          int              `json:"skipped_gaps"`
	RowsWritten          int64            `json:"rows_written"`
	UnresolvedBuckets    []string         `json:"unresolved_buckets"`
	UnresolvedSecurities []string         `json:"unresolved_securities"`
	Failures             []Failure        `json:"failures"`
	Coverage             *CoverageSummary `json:"coverage,omitempty"`
	Canceled             bool             `json:"canceled,omitempty"`
}

// Duration returns how long the run took
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ReferenceResult is the outcome of a reference data refresh
type ReferenceResult struct {
	Securities      int64     `json:"securities"`
	CalendarEntries int64     `json:"calendar_entries"`
	Exchanges       []string  `json:"exchanges"`
	Failures        []Failure `json:"failures,omitempty"`
}

// BarFetcher fetches price bars by security or by trading day
type BarFetcher interface {
	FetchHistory(ctx context.Context, securityID string, r domain.DateRange) ([]domain.PriceBar, error)
	FetchBucket(ctx context.Context, date time.Time) ([]domain.PriceBar, error)
}

// AdjFactorFetcher fetches standalone adjustment factors
type AdjFactorFetcher interface {
	Fetch(ctx context.Context, securityID string, r domain.DateRange) ([]domain.AdjustmentFactor, error)
}

// CalendarFetcher fetches trading calendars
type CalendarFetcher interface {
	Fetch(ctx context.Context, exchange string, r domain.DateRange) ([]domain.TradingCalendarEntry, error)
}

// SecurityFetcher fetches security metadata
type SecurityFetcher interface {
	Fetch(ctx context.Context) ([]domain.Security, error)
}

// Store is the part of history.Store the orchestrator uses
type Store interface {
	domain.SecurityUniverse
	domain.TradingCalendar

	UpsertBars(ctx context.Context, bars []domain.PriceBar) (int64, error)
	UpsertAdjFactors(ctx context.Context, factors []domain.AdjustmentFactor) (int64, error)
	ScanDateColumn(ctx context.Context, securityID string, r domain.DateRange) (map[time.Time]struct{}, error)
	HasAnyBars(ctx context.Context) (bool, error)

	UpsertSecurities(ctx context.Context, securities []domain.Security) (int64, error)
	AppendCalendar(ctx context.Context, entries []domain.TradingCalendarEntry) (int64, error)
	CalendarUpdateNeeded(ctx context.Context, exchange string, r domain.DateRange) (bool, error)
	SecuritiesUpdateNeeded(ctx context.Context, today time.Time) (bool, error)
}
