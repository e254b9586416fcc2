package fetchers

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/marketsync/internal/domain"
)

// Provider column names. Everything outside this file uses domain field names.
const (
	colSecurityID = "ts_code"
	colTradeDate  = "trade_date"
	colOpen       = "open"
	colHigh       = "high"
	colLow        = "low"
	colClose      = "close"
	colPreClose   = "pre_close"
	colChange     = "change"
	colPctChange  = "pct_chg"
	colVolume     = "vol"
	colAmount     = "amount"
	colAdjFactor  = "adj_factor"

	colExchange = "exchange"
	colCalDate  = "cal_date"
	colIsOpen   = "is_open"

	colSymbol     = "symbol"
	colName       = "name"
	colArea       = "area"
	colIndustry   = "industry"
	colMarket     = "market"
	colListDate   = "list_date"
	colListStatus = "list_status"
	colIsHS       = "is_hs"
)

// row is one provider record with typed accessors
type row map[string]interface{}

func (r row) str(col string) string {
	return toString(r[col])
}

func (r row) float(col string) *float64 {
	f, _ := toFloat(r[col])
	return f
}

func (r row) date(col string) (time.Time, error) {
	return parseDateValue(r[col])
}

// toFloat coerces JSON numbers, numeric strings and plain numbers.
// nil, empty strings and NaN yield (nil, true); anything else unparseable yields (nil, false).
func toFloat(v interface{}) (*float64, bool) {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil, true
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil, false
		}
		f = parsed
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, true
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, false
		}
		f = parsed
	default:
		return nil, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, true
	}
	return &f, true
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

// parseDateValue accepts YYYYMMDD as a string or a JSON number
func parseDateValue(v interface{}) (time.Time, error) {
	s := toString(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing date")
	}
	return domain.ParseDate(s)
}

// dedupBars keeps the last row per key and sorts by (security, date)
func dedupBars(bars []domain.PriceBar) []domain.PriceBar {
	if len(bars) == 0 {
		return bars
	}
	index := make(map[domain.EntityKey]int, len(bars))
	out := make([]domain.PriceBar, 0, len(bars))
	for _, b := range bars {
		if i, ok := index[b.Key()]; ok {
			out[i] = b
			continue
		}
		index[b.Key()] = len(out)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].Key(), out[j].Key())
	})
	return out
}

func dedupFactors(factors []domain.AdjustmentFactor) []domain.AdjustmentFactor {
	if len(factors) == 0 {
		return factors
	}
	index := make(map[domain.EntityKey]int, len(factors))
	out := make([]domain.AdjustmentFactor, 0, len(factors))
	for _, f := range factors {
		if i, ok := index[f.Key()]; ok {
			out[i] = f
			continue
		}
		index[f.Key()] = len(out)
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		return keyLess(out[i].Key(), out[j].Key())
	})
	return out
}

func keyLess(a, b domain.EntityKey) bool {
	if a.SecurityID != b.SecurityID {
		return a.SecurityID < b.SecurityID
	}
	return a.Date.Before(b.Date)
}

// normalizeBar converts one provider record. An error means the row has no usable key.
func normalizeBar(r row) (domain.PriceBar, error) {
	id := r.str(colSecurityID)
	if id == "" {
		return domain.PriceBar{}, fmt.Errorf("missing %s", colSecurityID)
	}
	date, err := r.date(colTradeDate)
	if err != nil {
		return domain.PriceBar{}, fmt.Errorf("bad %s for %s: %w", colTradeDate, id, err)
	}
	return domain.PriceBar{
		SecurityID: id,
		TradeDate:  date,
		Open:       r.float(colOpen),
		High:       r.float(colHigh),
		Low:        r.float(colLow),
		Close:      r.float(colClose),
		PreClose:   r.float(colPreClose),
		Change:     r.float(colChange),
		PctChange:  r.float(colPctChange),
		Volume:     r.float(colVolume),
		Amount:     r.float(colAmount),
		AdjFactor:  r.float(colAdjFactor),
	}, nil
}

func normalizeFactor(r row) (domain.AdjustmentFactor, error) {
	id := r.str(colSecurityID)
	if id == "" {
		return domain.AdjustmentFactor{}, fmt.Errorf("missing %s", colSecurityID)
	}
	date, err := r.date(colTradeDate)
	if err != nil {
		return domain.AdjustmentFactor{}, fmt.Errorf("bad %s for %s: %w", colTradeDate, id, err)
	}
	factor := r.float(colAdjFactor)
	if factor == nil || *factor <= 0 {
		return domain.AdjustmentFactor{}, fmt.Errorf("bad %s for %s on %s", colAdjFactor, id, domain.FormatDate(date))
	}
	return domain.AdjustmentFactor{SecurityID: id, TradeDate: date, Factor: *factor}, nil
}

func normalizeCalendarEntry(r row, fallbackExchange string) (domain.TradingCalendarEntry, error) {
	exchange := r.str(colExchange)
	if exchange == "" {
		exchange = fallbackExchange
	}
	if exchange == "" {
		return domain.TradingCalendarEntry{}, fmt.Errorf("missing %s", colExchange)
	}
	date, err := r.date(colCalDate)
	if err != nil {
		return domain.TradingCalendarEntry{}, fmt.Errorf("bad %s: %w", colCalDate, err)
	}
	open := r.float(colIsOpen)
	return domain.TradingCalendarEntry{
		Exchange: exchange,
		Date:     date,
		IsOpen:   open != nil && *open == 1,
	}, nil
}

func normalizeSecurity(r row, now time.Time) (domain.Security, error) {
	id := r.str(colSecurityID)
	if id == "" {
		return domain.Security{}, fmt.Errorf("missing %s", colSecurityID)
	}
	sec := domain.Security{
		ID:         id,
		Symbol:     r.str(colSymbol),
		Name:       r.str(colName),
		Area:       r.str(colArea),
		Industry:   r.str(colIndustry),
		Market:     r.str(colMarket),
		Exchange:   r.str(colExchange),
		ListStatus: domain.ListStatus(r.str(colListStatus)),
		IsHS:       r.str(colIsHS),
		UpdatedAt:  now,
	}
	if sec.ListStatus == "" {
		sec.ListStatus = domain.ListStatusListed
	}
	if sec.Exchange == "" {
		sec.Exchange = exchangeFromID(id)
	}
	if d, err := r.date(colListDate); err == nil {
		sec.ListDate = &d
	}
	return sec, nil
}

// exchangeFromID maps the code suffix to an exchange name
func exchangeFromID(id string) string {
	i := strings.LastIndexByte(id, '.')
	if i < 0 {
		return ""
	}
	switch strings.ToUpper(id[i+1:]) {
	case "SH":
		return "SSE"
	case "SZ":
		return "SZSE"
	case "BJ":
		return "BSE"
	}
	return ""
}

func sortCalendar(entries []domain.TradingCalendarEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date.Before(entries[j].Date)
	})
}

func sortSecurities(securities []domain.Security) {
	sort.Slice(securities, func(i, j int) bool {
		return securities[i].ID < securities[j].ID
	})
}
