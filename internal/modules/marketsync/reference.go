package marketsync

import (
	"context"
	"fmt"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
)

// SyncReferenceData refreshes trading calendars and security metadata when they
// are stale. Failures are collected in the result and never stop the refresh.
func (o *Orchestrator) SyncReferenceData(ctx context.Context) *ReferenceResult {
	return o.syncReference(ctx, o.cfg.LookbackDays)
}

func (o *Orchestrator) syncReference(ctx context.Context, lookbackDays int) *ReferenceResult {
	today := o.today()
	res := &ReferenceResult{Exchanges: append([]string(nil), o.cfg.Exchanges...)}
	fail := func(err error) {
		o.log.Warn().Err(err).Msg("Reference data refresh failed")
		res.Failures = append(res.Failures, Failure{Scope: ScopeReference, Kind: domain.ErrorKind(err), Error: err.Error()})
	}

	calRange := domain.DateRange{
		From: today.AddDate(0, 0, -lookbackDays),
		To:   today.AddDate(0, 0, o.cfg.CalendarHorizonDays),
	}

	if o.deps.Calendar != nil {
		for _, exchange := range o.cfg.Exchanges {
			// The calendar must reach back to the window start, not only forward to today
			needed, err := o.deps.Store.CalendarUpdateNeeded(ctx, exchange, domain.DateRange{From: calRange.From, To: today})
			if err != nil {
				fail(err)
				continue
			}
			if !needed {
				continue
			}

			entries, err := o.deps.Calendar.Fetch(ctx, exchange, calRange)
			if err != nil {
				fail(fmt.Errorf("calendar %s: %w", exchange, err))
				continue
			}
			n, err := o.retryStorageOnce("calendar", len(entries), func() (int64, error) {
				return o.deps.Store.AppendCalendar(context.WithoutCancel(ctx), entries)
			})
			if err != nil {
				fail(fmt.Errorf("calendar %s: %w", exchange, err))
				continue
			}
			res.CalendarEntries += n
			o.log.Info().Str("exchange", exchange).Int("fetched", len(entries)).Int64("added", n).Msg("Trading calendar refreshed")
		}
	}

	if o.deps.Securities != nil {
		needed, err := o.deps.Store.SecuritiesUpdateNeeded(ctx, today)
		switch {
		case err != nil:
			fail(err)
		case needed:
			securities, err := o.deps.Securities.Fetch(ctx)
			if err != nil {
				fail(fmt.Errorf("securities: %w", err))
				break
			}
			n, err := o.retryStorageOnce("securities", len(securities), func() (int64, error) {
				return o.deps.Store.UpsertSecurities(context.WithoutCancel(ctx), securities)
			})
			if err != nil {
				fail(fmt.Errorf("securities: %w", err))
				break
			}
			res.Securities = n
			o.log.Info().Int("securities", len(securities)).Msg("Security metadata refreshed")
		}
	}

	if res.Securities > 0 || res.CalendarEntries > 0 {
		o.deps.Events.EmitTyped(moduleName, &events.ReferenceSyncedData{
			Securities:      res.Securities,
			CalendarEntries: res.CalendarEntries,
			Exchanges:       res.Exchanges,
		})
	}
	return res
}

// BackfillAdjFactors fetches and stores the standalone adjustment factors of one security
func (o *Orchestrator) BackfillAdjFactors(ctx context.Context, securityID string, r domain.DateRange) (int64, error) {
	if o.deps.AdjFactors == nil {
		return 0, fmt.Errorf("adj factor fetcher not configured")
	}
	factors, err := o.deps.AdjFactors.Fetch(ctx, securityID, r)
	if err != nil {
		return 0, err
	}

	written, err := o.retryStorageOnce("adj_factors", len(factors), func() (int64, error) {
		return o.deps.Store.UpsertAdjFactors(context.WithoutCancel(ctx), factors)
	})
	if err != nil {
		return 0, err
	}

	o.log.Info().Str("security_id", securityID).Int("fetched", len(factors)).Int64("written", written).Msg("Adj factors backfilled")
	o.deps.Events.EmitTyped(moduleName, &events.AdjFactorsSyncedData{
		SecurityID:  securityID,
		RowsWritten: written,
	})
	return written, nil
}
