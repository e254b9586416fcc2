package testing

import (
	"time"

	"github.com/aristath/marketsync/internal/domain"
)

// Day returns 2024-01-01 plus offset days, normalized
func Day(offset int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

// NewBar builds a complete bar whose prices derive from close
func NewBar(securityID string, date time.Time, close float64) domain.PriceBar {
	return domain.PriceBar{
		SecurityID: securityID,
		TradeDate:  domain.NormalizeDate(date),
		Open:       domain.Float(close - 0.5),
		High:       domain.Float(close + 1),
		Low:        domain.Float(close - 1),
		Close:      domain.Float(close),
		PreClose:   domain.Float(close - 0.2),
		Change:     domain.Float(0.2),
		PctChange:  domain.Float(0.2 / (close - 0.2) * 100),
		Volume:     domain.Float(1000),
		Amount:     domain.Float(close * 1000),
		AdjFactor:  domain.Float(1),
	}
}

// NewBars builds one bar per date for a security
func NewBars(securityID string, dates []time.Time, close float64) []domain.PriceBar {
	bars := make([]domain.PriceBar, 0, len(dates))
	for i, d := range dates {
		bars = append(bars, NewBar(securityID, d, close+float64(i)))
	}
	return bars
}

// NewSecurityFixtures returns a small listed universe
func NewSecurityFixtures() []domain.Security {
	listDate := time.Date(1999, 11, 10, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []domain.Security{
		{
			ID:         "600000.SH",
			Symbol:     "600000",
			Name:       "浦发银行",
			Area:       "上海",
			Industry:   "银行",
			Market:     "主板",
			Exchange:   "SSE",
			ListDate:   &listDate,
			ListStatus: domain.ListStatusListed,
			IsHS:       "H",
			UpdatedAt:  now,
		},
		{
			ID:         "000001.SZ",
			Symbol:     "000001",
			Name:       "平安银行",
			Area:       "深圳",
			Industry:   "银行",
			Market:     "主板",
			Exchange:   "SZSE",
			ListDate:   &listDate,
			ListStatus: domain.ListStatusListed,
			IsHS:       "S",
			UpdatedAt:  now,
		},
	}
}

// Weekdays returns every Monday-Friday date in r
func Weekdays(r domain.DateRange) []time.Time {
	var out []time.Time
	for d := r.From; !d.After(r.To); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			out = append(out, d)
		}
	}
	return out
}
