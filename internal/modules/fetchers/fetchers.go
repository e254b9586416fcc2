// Package fetchers turns raw provider tables into normalized domain entities.
//
// Two bar strategies exist: FetchHistory pulls one security over a date range,
// FetchBucket pulls every security for a single trading day. Both go through the
// provider gateway and therefore through the shared rate limiter.
package fetchers

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/provider"
	"github.com/rs/zerolog"
)

// BarSource is the part of the provider gateway used for price bars
type BarSource interface {
	FetchEntityHistory(ctx context.Context, securityID string, r domain.DateRange) (*provider.Table, error)
	FetchBucketAll(ctx context.Context, date time.Time) (*provider.Table, error)
}

// AdjFactorSource is the part of the provider gateway used for adjustment factors
type AdjFactorSource interface {
	FetchAdjFactors(ctx context.Context, securityID string, r domain.DateRange) (*provider.Table, error)
}

// CalendarSource is the part of the provider gateway used for trading calendars
type CalendarSource interface {
	FetchCalendar(ctx context.Context, exchange string, r domain.DateRange) (*provider.Table, error)
}

// SecuritySource is the part of the provider gateway used for security metadata
type SecuritySource interface {
	FetchSecurities(ctx context.Context) (*provider.Table, error)
}

// BarFetcher fetches daily price bars with their adjustment factor merged in
type BarFetcher struct {
	source BarSource
	log    zerolog.Logger
}

// NewBarFetcher creates a bar fetcher
func NewBarFetcher(source BarSource, log zerolog.Logger) *BarFetcher {
	return &BarFetcher{
		source: source,
		log:    log.With().Str("fetcher", "bars").Logger(),
	}
}

// FetchHistory returns the bars of one security over r, sorted by date.
// Rows for other securities are discarded.
func (f *BarFetcher) FetchHistory(ctx context.Context, securityID string, r domain.DateRange) ([]domain.PriceBar, error) {
	table, err := f.source.FetchEntityHistory(ctx, securityID, r)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", securityID, err)
	}

	bars := f.normalize(table)
	out := bars[:0]
	for _, b := range bars {
		if b.SecurityID == securityID && r.Contains(b.TradeDate) {
			out = append(out, b)
		}
	}
	return out, nil
}

// FetchBucket returns the bars of every security for one trading day, sorted by security
func (f *BarFetcher) FetchBucket(ctx context.Context, date time.Time) ([]domain.PriceBar, error) {
	date = domain.NormalizeDate(date)
	table, err := f.source.FetchBucketAll(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bucket %s: %w", domain.FormatDate(date), err)
	}

	bars := f.normalize(table)
	out := bars[:0]
	for _, b := range bars {
		if b.TradeDate.Equal(date) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *BarFetcher) normalize(table *provider.Table) []domain.PriceBar {
	records := table.Records()
	bars := make([]domain.PriceBar, 0, len(records))
	dropped := 0
	for _, rec := range records {
		bar, err := normalizeBar(row(rec))
		if err != nil {
			dropped++
			f.log.Debug().Err(err).Msg("Dropping bar row")
			continue
		}
		// The provider is authoritative, inconsistent bars are kept but reported
		if reason := checkBar(barPrices{bar.Open, bar.High, bar.Low, bar.Close}); reason != "" {
			f.log.Warn().
				Str("security_id", bar.SecurityID).
				Str("date", domain.FormatDate(bar.TradeDate)).
				Str("reason", reason).
				Msg("Inconsistent OHLC in provider bar")
		}
		bars = append(bars, bar)
	}
	if dropped > 0 {
		f.log.Warn().Int("dropped", dropped).Int("rows", len(records)).Msg("Dropped bar rows with unparseable keys")
	}
	return dedupBars(bars)
}

// AdjFactorFetcher fetches standalone adjustment factors
type AdjFactorFetcher struct {
	source AdjFactorSource
	log    zerolog.Logger
}

// NewAdjFactorFetcher creates an adjustment factor fetcher
func NewAdjFactorFetcher(source AdjFactorSource, log zerolog.Logger) *AdjFactorFetcher {
	return &AdjFactorFetcher{
		source: source,
		log:    log.With().Str("fetcher", "adj_factors").Logger(),
	}
}

// Fetch returns the factors of one security over r, sorted by date
func (f *AdjFactorFetcher) Fetch(ctx context.Context, securityID string, r domain.DateRange) ([]domain.AdjustmentFactor, error) {
	table, err := f.source.FetchAdjFactors(ctx, securityID, r)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch adj factors for %s: %w", securityID, err)
	}

	records := table.Records()
	factors := make([]domain.AdjustmentFactor, 0, len(records))
	dropped := 0
	for _, rec := range records {
		factor, err := normalizeFactor(row(rec))
		if err != nil || factor.SecurityID != securityID {
			dropped++
			continue
		}
		factors = append(factors, factor)
	}
	if dropped > 0 {
		f.log.Warn().Str("security_id", securityID).Int("dropped", dropped).Msg("Dropped adj factor rows")
	}
	return dedupFactors(factors), nil
}

// CalendarFetcher fetches exchange trading calendars
type CalendarFetcher struct {
	source CalendarSource
	log    zerolog.Logger
}

// NewCalendarFetcher creates a calendar fetcher
func NewCalendarFetcher(source CalendarSource, log zerolog.Logger) *CalendarFetcher {
	return &CalendarFetcher{
		source: source,
		log:    log.With().Str("fetcher", "calendar").Logger(),
	}
}

// Fetch returns calendar entries for exchange over r, sorted by date
func (f *CalendarFetcher) Fetch(ctx context.Context, exchange string, r domain.DateRange) ([]domain.TradingCalendarEntry, error) {
	table, err := f.source.FetchCalendar(ctx, exchange, r)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar for %s: %w", exchange, err)
	}

	records := table.Records()
	byDate := make(map[time.Time]domain.TradingCalendarEntry, len(records))
	dropped := 0
	for _, rec := range records {
		entry, err := normalizeCalendarEntry(row(rec), exchange)
		if err != nil || entry.Exchange != exchange {
			dropped++
			continue
		}
		byDate[entry.Date] = entry
	}
	if dropped > 0 {
		f.log.Warn().Str("exchange", exchange).Int("dropped", dropped).Msg("Dropped calendar rows")
	}

	entries := make([]domain.TradingCalendarEntry, 0, len(byDate))
	for _, e := range byDate {
		entries = append(entries, e)
	}
	sortCalendar(entries)
	return entries, nil
}

// SecurityFetcher fetches the listed security universe
type SecurityFetcher struct {
	source SecuritySource
	clock  domain.Clock
	log    zerolog.Logger
}

// NewSecurityFetcher creates a security fetcher. A nil clock means the wall clock.
func NewSecurityFetcher(source SecuritySource, clock domain.Clock, log zerolog.Logger) *SecurityFetcher {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &SecurityFetcher{
		source: source,
		clock:  clock,
		log:    log.With().Str("fetcher", "securities").Logger(),
	}
}

// Fetch returns all securities the provider lists, sorted by ID
func (f *SecurityFetcher) Fetch(ctx context.Context) ([]domain.Security, error) {
	table, err := f.source.FetchSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch securities: %w", err)
	}

	now := f.clock.Now().UTC()
	records := table.Records()
	byID := make(map[string]domain.Security, len(records))
	dropped := 0
	for _, rec := range records {
		sec, err := normalizeSecurity(row(rec), now)
		if err != nil {
			dropped++
			continue
		}
		byID[sec.ID] = sec
	}
	if dropped > 0 {
		f.log.Warn().Int("dropped", dropped).Msg("Dropped security rows without code")
	}

	securities := make([]domain.Security, 0, len(byID))
	for _, s := range byID {
		securities = append(securities, s)
	}
	sortSecurities(securities)
	return securities, nil
}
