package marketsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/aristath/marketsync/internal/modules/presence"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// reconcile rebuilds the matrix from the store and records what is still missing.
// Nothing found here is retried in the same run.
func (o *Orchestrator) reconcile(ctx context.Context, rec *recorder, u universe, buckets []time.Time, threshold int) error {
	if len(u.ids) == 0 || len(buckets) == 0 {
		return nil
	}

	m, err := o.deps.Presence.BuildFresh(ctx, u.ids, buckets, presence.WithListDates(u.listDates))
	if err != nil {
		return fmt.Errorf("failed to rebuild presence matrix: %w", err)
	}

	var unresolvedBuckets []string
	unresolved := make(map[string]struct{})
	for _, b := range m.Buckets() {
		missing := m.MissingEntities(b)
		if len(missing) >= threshold {
			unresolvedBuckets = append(unresolvedBuckets, domain.FormatDate(b))
		}
		for _, id := range missing {
			unresolved[id] = struct{}{}
		}
	}
	securities := make([]string, 0, len(unresolved))
	for id := range unresolved {
		securities = append(securities, id)
	}
	sort.Strings(securities)

	coverage := summarizeCoverage(m.Coverage())

	rec.update(func(r *Report) {
		r.UnresolvedBuckets = unresolvedBuckets
		r.UnresolvedSecurities = securities
		r.Coverage = coverage
	})

	if len(unresolvedBuckets) > 0 || len(securities) > 0 {
		o.log.Warn().
			Int("unresolved_buckets", len(unresolvedBuckets)).
			Int("unresolved_securities", len(securities)).
			Msg("Gaps remain after sync")
	}
	return nil
}

// summarizeCoverage reduces per-bucket presence ratios to mean, spread and minimum
func summarizeCoverage(cov map[time.Time]float64) *CoverageSummary {
	if len(cov) == 0 {
		return nil
	}

	dates := make([]time.Time, 0, len(cov))
	for d := range cov {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	values := make([]float64, len(dates))
	full := 0
	for i, d := range dates {
		values[i] = cov[d]
		if values[i] >= 1 {
			full++
		}
	}

	mean, std := stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		std = 0
	}
	return &CoverageSummary{
		Buckets:      len(values),
		Mean:         mean,
		StdDev:       std,
		Min:          floats.Min(values),
		FullyCovered: full,
	}
}
