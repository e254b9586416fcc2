// Package marketsync drives synchronization runs.
//
// A run decides between a full sync (empty store) and an incremental sync,
// executes it through the fetchers and the store, then reconciles by rebuilding
// the presence matrix and reporting what is still missing. Individual securities
// and buckets fail in isolation; a run never aborts because of one of them.
package marketsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/marketsync/internal/clientdata"
	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
	"github.com/aristath/marketsync/internal/modules/presence"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	moduleName = "marketsync"

	DefaultWorkers             = 20
	DefaultLookbackDays        = 365
	DefaultThreshold           = 1000
	DefaultCalendarHorizonDays = 30

	lastReportKey = "last_run"
)

// Config holds orchestrator defaults
type Config struct {
	Workers             int
	LookbackDays        int
	Threshold           int
	Exchanges           []string
	CalendarHorizonDays int
	// Location decides which calendar date "today" is
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = DefaultLookbackDays
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if len(c.Exchanges) == 0 {
		c.Exchanges = append([]string(nil), domain.DefaultExchanges...)
	}
	if c.CalendarHorizonDays < 0 {
		c.CalendarHorizonDays = 0
	} else if c.CalendarHorizonDays == 0 {
		c.CalendarHorizonDays = DefaultCalendarHorizonDays
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Events, Reports and Clock are optional.
type Deps struct {
	Bars       BarFetcher
	AdjFactors AdjFactorFetcher
	Calendar   CalendarFetcher
	Securities SecurityFetcher
	Store      Store
	Presence   *presence.Builder
	Events     *events.Manager
	Reports    *clientdata.Repository
	Clock      domain.Clock
}

// Orchestrator runs synchronization
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	runMu sync.Mutex

	stateMu    sync.RWMutex
	state      State
	runID      string
	lastReport *Report
}

// NewOrchestrator creates an orchestrator and restores the last report when one was persisted
func NewOrchestrator(deps Deps, cfg Config, log zerolog.Logger) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = domain.RealClock{}
	}
	o := &Orchestrator{
		deps:  deps,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("service", "market_sync").Logger(),
		state: StateIdle,
	}
	o.restoreLastReport()
	return o
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

// LastReport returns the report of the last finished run, or nil
func (o *Orchestrator) LastReport() *Report {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	if o.lastReport == nil {
		return nil
	}
	cp := *o.lastReport
	return &cp
}

// Config returns the effective configuration
func (o *Orchestrator) Config() Config {
	return o.cfg
}

func (o *Orchestrator) setState(next State) {
	o.stateMu.Lock()
	prev := o.state
	o.state = next
	runID := o.runID
	o.stateMu.Unlock()

	if prev == next {
		return
	}
	o.log.Info().Str("run_id", runID).Str("from", string(prev)).Str("to", string(next)).Msg("Sync state changed")
	o.deps.Events.EmitTyped(moduleName, &events.SyncStateChangedData{
		RunID: runID,
		From:  string(prev),
		To:    string(next),
	})
}

// today is the current calendar date in the configured location
func (o *Orchestrator) today() time.Time {
	return domain.NormalizeDate(o.deps.Clock.Now().In(o.cfg.Location))
}

func (o *Orchestrator) normalizeRequest(req Request) (Request, error) {
	if req.Mode == "" {
		req.Mode = domain.SyncModeAuto
	}
	if !req.Mode.Valid() {
		return req, fmt.Errorf("invalid sync mode %q", req.Mode)
	}
	if req.LookbackDays < 0 || req.Threshold < 0 {
		return req, fmt.Errorf("lookback_days and threshold must not be negative")
	}
	if req.LookbackDays == 0 {
		req.LookbackDays = o.cfg.LookbackDays
	}
	if req.Threshold == 0 {
		req.Threshold = o.cfg.Threshold
	}
	return req, nil
}

// Run executes one synchronization run. Only one run may be active at a time.
// The returned report is complete even when the context was canceled, in which
// case the context error is returned alongside it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Report, error) {
	req, err := o.normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.runMu.Unlock()

	today := o.today()
	rec := newRecorder(&Report{
		RunID:     uuid.NewString(),
		Requested: req.Mode,
		Window:    domain.TrailingRange(today, req.LookbackDays),
		Threshold: req.Threshold,
		StartedAt: o.deps.Clock.Now(),
	})
	report := rec.report

	o.stateMu.Lock()
	o.runID = report.RunID
	o.stateMu.Unlock()

	log := o.log.With().Str("run_id", report.RunID).Logger()
	log.Info().
		Str("mode", string(req.Mode)).
		Int("lookback_days", req.LookbackDays).
		Int("threshold", req.Threshold).
		Str("window", report.Window.String()).
		Msg("Starting sync run")
	o.deps.Events.EmitTyped(moduleName, &events.SyncStartedData{
		RunID:        report.RunID,
		Mode:         string(req.Mode),
		LookbackDays: req.LookbackDays,
		Threshold:    req.Threshold,
	})

	defer func() {
		o.setState(StateIdle)
		o.stateMu.Lock()
		o.runID = ""
		o.stateMu.Unlock()
	}()

	ref := o.syncReference(ctx, req.LookbackDays)
	for _, f := range ref.Failures {
		rec.fail(f)
	}

	o.setState(StateDeciding)
	mode, err := o.decide(ctx, req.Mode)
	if err != nil {
		report.FinishedAt = o.deps.Clock.Now()
		log.Error().Err(err).Msg("Sync run aborted while deciding")
		return report, err
	}
	report.Mode = mode

	securities, err := o.deps.Store.ListSecurities(ctx)
	if err != nil {
		report.FinishedAt = o.deps.Clock.Now()
		return report, fmt.Errorf("failed to list securities: %w", err)
	}
	if len(securities) == 0 {
		log.Warn().Msg("Security universe is empty, nothing to sync")
	}

	buckets, err := o.tradingWindow(ctx, report.Window)
	if err != nil {
		report.FinishedAt = o.deps.Clock.Now()
		return report, err
	}

	u := newUniverse(securities, today)

	switch mode {
	case domain.SyncModeFull:
		o.setState(StateFullSync)
		o.fullSync(ctx, rec, u, report.Window)
	default:
		o.setState(StateIncrementalSync)
		if err := o.incrementalSync(ctx, rec, u, buckets, today, req.Threshold); err != nil {
			log.Error().Err(err).Msg("Incremental sync failed")
			rec.fail(Failure{Scope: ScopeBucket, Kind: domain.ErrorKind(err), Error: err.Error()})
		}
	}

	if ctx.Err() != nil {
		report.Canceled = true
	} else {
		o.setState(StateReconciling)
		if err := o.reconcile(ctx, rec, u, buckets, req.Threshold); err != nil {
			log.Error().Err(err).Msg("Reconciliation failed")
			rec.fail(Failure{Scope: ScopeBucket, Kind: domain.ErrorKind(err), Error: err.Error()})
		}
	}

	report.FinishedAt = o.deps.Clock.Now()
	o.finish(report)

	log.Info().
		Str("mode", string(report.Mode)).
		Int64("rows_written", report.RowsWritten).
		Int("bulk_buckets", report.BulkBuckets).
		Int("gap_calls", report.GapCalls).
		Int("skipped_gaps", report.SkippedGaps).
		Int("unresolved_buckets", len(report.UnresolvedBuckets)).
		Int("unresolved_securities", len(report.UnresolvedSecurities)).
		Int("failures", len(report.Failures)).
		Bool("canceled", report.Canceled).
		Dur("duration", report.Duration()).
		Msg("Sync run finished")

	if report.Canceled {
		return report, ctx.Err()
	}
	return report, nil
}

// decide applies the mode rule: an empty store needs a full sync
func (o *Orchestrator) decide(ctx context.Context, requested domain.SyncMode) (domain.SyncMode, error) {
	if requested != domain.SyncModeAuto {
		return requested, nil
	}
	has, err := o.deps.Store.HasAnyBars(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to check for local bars: %w", err)
	}
	if !has {
		return domain.SyncModeFull, nil
	}
	return domain.SyncModeIncremental, nil
}

// tradingWindow returns the open dates in r across the configured exchanges.
// Weekdays stand in when the calendar is empty.
func (o *Orchestrator) tradingWindow(ctx context.Context, r domain.DateRange) ([]time.Time, error) {
	seen := make(map[time.Time]struct{})
	for _, exchange := range o.cfg.Exchanges {
		dates, err := o.deps.Store.ListTradingDates(ctx, exchange, r)
		if err != nil {
			return nil, fmt.Errorf("failed to list trading dates for %s: %w", exchange, err)
		}
		for _, d := range dates {
			seen[d] = struct{}{}
		}
	}

	if len(seen) == 0 {
		o.log.Warn().Str("window", r.String()).Msg("Trading calendar is empty for window, falling back to weekdays")
		for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
			if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
				seen[d] = struct{}{}
			}
		}
	}

	out := make([]time.Time, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// writeBars upserts a batch, retrying once on a storage failure.
// Writes are detached from cancellation so an in-flight batch always completes.
func (o *Orchestrator) writeBars(ctx context.Context, bars []domain.PriceBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	ctx = context.WithoutCancel(ctx)
	return o.retryStorageOnce("bars", len(bars), func() (int64, error) {
		return o.deps.Store.UpsertBars(ctx, bars)
	})
}

func (o *Orchestrator) retryStorageOnce(what string, size int, write func() (int64, error)) (int64, error) {
	n, err := write()
	if err != nil && errors.Is(err, domain.ErrStorage) {
		o.log.Warn().Err(err).Str("batch", what).Int("size", size).Msg("Retrying failed batch once")
		n, err = write()
	}
	return n, err
}

func (o *Orchestrator) finish(report *Report) {
	o.stateMu.Lock()
	cp := *report
	o.lastReport = &cp
	o.stateMu.Unlock()

	if o.deps.Reports != nil {
		if err := o.deps.Reports.Store(clientdata.NamespaceReports, lastReportKey, report, clientdata.TTLReport); err != nil {
			o.log.Warn().Err(err).Msg("Failed to persist sync report")
		}
	}

	o.deps.Events.EmitTyped(moduleName, &events.SyncCompletedData{
		RunID:                report.RunID,
		Mode:                 string(report.Mode),
		RowsWritten:          report.RowsWritten,
		BulkBuckets:          report.BulkBuckets,
		GapCalls:             report.GapCalls,
		UnresolvedBuckets:    len(report.UnresolvedBuckets),
		UnresolvedSecurities: len(report.UnresolvedSecurities),
		Failures:             len(report.Failures),
		DurationSeconds:      report.Duration().Seconds(),
		Canceled:             report.Canceled,
	})
}

func (o *Orchestrator) restoreLastReport() {
	if o.deps.Reports == nil {
		return
	}
	var report Report
	found, err := o.deps.Reports.Get(clientdata.NamespaceReports, lastReportKey, &report)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to restore last sync report")
		return
	}
	if found {
		o.lastReport = &report
	}
}

// recorder collects report counters and failures from concurrent workers
type recorder struct {
	mu     sync.Mutex
	report *Report
}

func newRecorder(report *Report) *recorder {
	return &recorder{report: report}
}

func (r *recorder) fail(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Failures = append(r.report.Failures, f)
}

func (r *recorder) update(fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.report)
}

func failureFor(scope, securityID string, date time.Time, err error) Failure {
	f := Failure{
		Scope:      scope,
		SecurityID: securityID,
		Kind:       domain.ErrorKind(err),
		Error:      err.Error(),
	}
	if !date.IsZero() {
		f.Date = domain.FormatDate(date)
	}
	return f
}

// universe is the run's security set with listing dates
type universe struct {
	ids       []string
	listDates map[string]time.Time
}

// newUniverse keeps securities already listed by today
func newUniverse(securities []domain.Security, today time.Time) universe {
	u := universe{listDates: make(map[string]time.Time)}
	for _, s := range securities {
		if s.ListDate != nil {
			listed := domain.NormalizeDate(*s.ListDate)
			if listed.After(today) {
				continue
			}
			u.listDates[s.ID] = listed
		}
		u.ids = append(u.ids, s.ID)
	}
	sort.Strings(u.ids)
	return u
}

// rangeFor clips r to the listing date of id
func (u universe) rangeFor(id string, r domain.DateRange) domain.DateRange {
	if listed, ok := u.listDates[id]; ok && listed.After(r.From) {
		r.From = listed
	}
	return r
}
