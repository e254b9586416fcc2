package marketsync

import (
	"context"
	"errors"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
	"golang.org/x/sync/errgroup"
)

// fullSync pulls the whole window for every security, one call each.
// No presence matrix is built.
func (o *Orchestrator) fullSync(ctx context.Context, rec *recorder, u universe, window domain.DateRange) {
	o.log.Info().Int("securities", len(u.ids)).Str("window", window.String()).Msg("Full sync")

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for _, id := range u.ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			o.syncSecurity(ctx, rec, id, u.rangeFor(id, window))
			rec.update(func(r *Report) { r.SecuritiesProcessed++ })
			return nil
		})
	}

	_ = g.Wait()
}

// syncSecurity fetches and writes one security's bars over r, recording failures
func (o *Orchestrator) syncSecurity(ctx context.Context, rec *recorder, id string, r domain.DateRange) {
	fetched, written, err := o.pullSecurity(ctx, id, r)
	if err != nil {
		// Writes are detached from cancellation, so a storage failure is still real
		if ctx.Err() != nil && !errors.Is(err, domain.ErrStorage) {
			return
		}
		o.log.Warn().Err(err).Str("security_id", id).Str("kind", domain.ErrorKind(err)).Msg("Failed to sync security history")
		rec.fail(failureFor(ScopeSecurity, id, r.From, err))
		o.deps.Events.EmitError(moduleName, err, domain.ErrorKind(err), map[string]interface{}{"security_id": id})
		return
	}

	rec.update(func(rep *Report) { rep.RowsWritten += written })
	o.log.Debug().Str("security_id", id).Int("bars", fetched).Int64("written", written).Msg("Security synced")
	o.deps.Events.EmitTyped(moduleName, &events.SecuritySyncedData{
		RunID:       rec.report.RunID,
		SecurityID:  id,
		From:        domain.FormatDate(r.From),
		To:          domain.FormatDate(r.To),
		RowsWritten: written,
	})
}

// pullSecurity is one history call for id followed by one write
func (o *Orchestrator) pullSecurity(ctx context.Context, id string, r domain.DateRange) (int, int64, error) {
	bars, err := o.deps.Bars.FetchHistory(ctx, id, r)
	if err != nil {
		return 0, 0, err
	}
	written, err := o.writeBars(ctx, bars)
	if err != nil {
		return len(bars), 0, err
	}
	return len(bars), written, nil
}
