package marketsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
	"github.com/aristath/marketsync/internal/modules/presence"
	"golang.org/x/sync/errgroup"
)

// incrementalSync fills the gaps of the window.
//
// Buckets are visited by descending missing count. A bucket whose missing count
// reaches threshold is fetched in one bulk call and committed before the next
// bucket. Smaller buckets only contribute each missing security's earliest
// missing date to a gap list, which is then closed with one history call per
// security.
func (o *Orchestrator) incrementalSync(ctx context.Context, rec *recorder, u universe, buckets []time.Time, today time.Time, threshold int) error {
	if len(u.ids) == 0 || len(buckets) == 0 {
		return nil
	}

	matrix, err := o.deps.Presence.Build(ctx, u.ids, buckets, presence.WithListDates(u.listDates))
	if err != nil {
		return fmt.Errorf("failed to build presence matrix: %w", err)
	}

	o.log.Info().
		Int("securities", len(u.ids)).
		Int("buckets", len(buckets)).
		Int("missing", matrix.TotalMissing()).
		Msg("Incremental sync")

	gaps := make(map[string]time.Time)
	for _, date := range matrix.BucketsByMissingDesc() {
		if ctx.Err() != nil {
			o.log.Info().Str("next_bucket", domain.FormatDate(date)).Msg("Sync canceled between buckets")
			return nil
		}

		missing := matrix.MissingEntities(date)
		if len(missing) == 0 {
			// Sorted by missing count, the rest are complete too
			break
		}
		rec.update(func(r *Report) { r.BucketsProcessed++ })

		if len(missing) >= threshold {
			o.syncBucket(ctx, rec, date, missing)
			continue
		}
		for _, id := range missing {
			if earliest, ok := gaps[id]; !ok || date.Before(earliest) {
				gaps[id] = date
			}
		}
	}

	if ctx.Err() != nil || len(gaps) == 0 {
		return nil
	}
	o.closeGaps(ctx, rec, u, gaps, buckets, today)
	return nil
}

// syncBucket fetches one trading day for all securities and writes the missing ones
func (o *Orchestrator) syncBucket(ctx context.Context, rec *recorder, date time.Time, missing []string) {
	log := o.log.With().Str("date", domain.FormatDate(date)).Int("missing", len(missing)).Logger()

	bars, err := o.deps.Bars.FetchBucket(ctx, date)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("kind", domain.ErrorKind(err)).Msg("Failed to fetch bucket")
		rec.fail(failureFor(ScopeBucket, "", date, err))
		o.deps.Events.EmitError(moduleName, err, domain.ErrorKind(err), map[string]interface{}{"date": domain.FormatDate(date)})
		return
	}

	want := make(map[string]struct{}, len(missing))
	for _, id := range missing {
		want[id] = struct{}{}
	}
	keep := make([]domain.PriceBar, 0, len(missing))
	for _, b := range bars {
		if _, ok := want[b.SecurityID]; ok {
			keep = append(keep, b)
		}
	}

	written, err := o.writeBars(ctx, keep)
	if err != nil {
		log.Error().Err(err).Msg("Failed to write bucket")
		rec.fail(failureFor(ScopeBucket, "", date, err))
		o.deps.Events.EmitError(moduleName, err, domain.ErrorKind(err), map[string]interface{}{"date": domain.FormatDate(date)})
		return
	}

	rec.update(func(r *Report) {
		r.BulkBuckets++
		r.RowsWritten += written
	})
	log.Info().Int("returned", len(bars)).Int("kept", len(keep)).Int64("written", written).Msg("Bucket synced")
	o.deps.Events.EmitTyped(moduleName, &events.BucketSyncedData{
		RunID:       rec.report.RunID,
		Date:        domain.FormatDate(date),
		Missing:     len(missing),
		RowsWritten: written,
	})
}

// closeGaps issues at most one history call per security in the gap list
func (o *Orchestrator) closeGaps(ctx context.Context, rec *recorder, u universe, gaps map[string]time.Time, buckets []time.Time, today time.Time) {
	ids := make([]string, 0, len(gaps))
	for id := range gaps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	o.log.Info().Int("securities", len(ids)).Msg("Closing gaps")

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for _, id := range ids {
		id, earliest := id, gaps[id]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			o.closeGap(ctx, rec, u, id, earliest, buckets, today)
			return nil
		})
	}

	_ = g.Wait()
}

// closeGap re-checks presence before calling: the gap may have been filled
// since the matrix was built
func (o *Orchestrator) closeGap(ctx context.Context, rec *recorder, u universe, id string, earliest time.Time, buckets []time.Time, today time.Time) {
	present, err := o.deps.Store.ScanDateColumn(ctx, id, domain.DateRange{From: earliest, To: today})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		rec.fail(failureFor(ScopeSecurity, id, earliest, err))
		return
	}

	listed, hasListDate := u.listDates[id]
	var from time.Time
	for _, b := range buckets {
		if b.Before(earliest) || (hasListDate && b.Before(listed)) {
			continue
		}
		if _, ok := present[b]; !ok {
			from = b
			break
		}
	}

	if from.IsZero() {
		rec.update(func(r *Report) { r.SkippedGaps++ })
		o.log.Debug().Str("security_id", id).Msg("Gap already closed, skipping call")
		return
	}

	rec.update(func(r *Report) { r.GapCalls++ })
	o.syncSecurity(ctx, rec, id, domain.DateRange{From: from, To: today})
}
