package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/marketsync/internal/domain"
)

// LoadAdjusted returns forward-adjusted (qfq) bars of one security in r.
//
// Each bar takes the most recent factor on or before its date, from either the
// bar itself or the adj_factors table. Prices are scaled by factor/latest where
// latest is the last known factor on or before r.To. Bars older than the first
// known factor are returned unadjusted.
func (s *Store) LoadAdjusted(ctx context.Context, securityID string, r domain.DateRange) ([]domain.PriceBar, error) {
	bars, err := s.LoadRange(ctx, securityID, r)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return bars, nil
	}

	// Factors before r.From seed the forward fill
	factors, err := s.LoadAdjFactors(ctx, securityID, domain.DateRange{From: time.Unix(0, 0).UTC(), To: r.To})
	if err != nil {
		return nil, err
	}

	series := make(map[time.Time]float64, len(factors)+len(bars))
	for _, f := range factors {
		series[f.TradeDate] = f.Factor
	}
	for _, b := range bars {
		if b.AdjFactor != nil && *b.AdjFactor > 0 {
			series[b.TradeDate] = *b.AdjFactor
		}
	}
	if len(series) == 0 {
		return bars, nil
	}

	dates := make([]time.Time, 0, len(series))
	for d := range series {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	latest := series[dates[len(dates)-1]]
	if latest <= 0 {
		return nil, fmt.Errorf("invalid latest adj factor %v for %s", latest, securityID)
	}

	out := make([]domain.PriceBar, len(bars))
	i := -1
	for n, b := range bars {
		for i+1 < len(dates) && !dates[i+1].After(b.TradeDate) {
			i++
		}
		out[n] = b
		if i < 0 {
			continue
		}
		factor := series[dates[i]]
		ratio := factor / latest
		out[n].Open = scale(b.Open, ratio)
		out[n].High = scale(b.High, ratio)
		out[n].Low = scale(b.Low, ratio)
		out[n].Close = scale(b.Close, ratio)
		out[n].PreClose = scale(b.PreClose, ratio)
		out[n].AdjFactor = domain.Float(factor)
	}
	return out, nil
}

func scale(v *float64, ratio float64) *float64 {
	if v == nil {
		return nil
	}
	return domain.Float(*v * ratio)
}
