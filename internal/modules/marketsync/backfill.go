package marketsync

import (
	"context"
	"fmt"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/events"
)

// BackfillSecurityHistory re-pulls one security over an explicit range: one
// history call for the bars, then the standalone adjustment factors when a
// factor fetcher is configured. The range is clipped to the listing date.
// It is exclusive with Run.
func (o *Orchestrator) BackfillSecurityHistory(ctx context.Context, req SecurityHistoryRequest) (*SecurityHistoryResult, error) {
	if req.SecurityID == "" {
		return nil, fmt.Errorf("security id is required")
	}
	if err := req.Range.Validate(); err != nil {
		return nil, err
	}
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.runMu.Unlock()

	securities, err := o.deps.Store.ListSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list securities: %w", err)
	}
	r := domain.DateRange{From: domain.NormalizeDate(req.Range.From), To: domain.NormalizeDate(req.Range.To)}
	r = newUniverse(securities, o.today()).rangeFor(req.SecurityID, r)

	res := &SecurityHistoryResult{SecurityID: req.SecurityID, Range: r}
	log := o.log.With().Str("security_id", req.SecurityID).Str("range", r.String()).Logger()
	if r.From.After(r.To) {
		log.Info().Msg("Security not listed within range, nothing to backfill")
		return res, nil
	}

	res.BarsFetched, res.RowsWritten, err = o.pullSecurity(ctx, req.SecurityID, r)
	if err != nil {
		return res, err
	}
	o.deps.Events.EmitTyped(moduleName, &events.SecuritySyncedData{
		SecurityID:  req.SecurityID,
		From:        domain.FormatDate(r.From),
		To:          domain.FormatDate(r.To),
		RowsWritten: res.RowsWritten,
	})

	if o.deps.AdjFactors != nil {
		res.AdjFactorsWritten, err = o.BackfillAdjFactors(ctx, req.SecurityID, r)
		if err != nil {
			return res, fmt.Errorf("adj factors: %w", err)
		}
	}

	log.Info().
		Int("bars", res.BarsFetched).
		Int64("rows_written", res.RowsWritten).
		Int64("adj_factors_written", res.AdjFactorsWritten).
		Msg("Security history backfilled")
	return res, nil
}
