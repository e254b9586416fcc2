// Package domain provides core domain models and types.
package domain

import "time"

// ListStatus is the listing state of a security
type ListStatus string

const (
	ListStatusListed   ListStatus = "L"
	ListStatusDelisted ListStatus = "D"
	ListStatusPaused   ListStatus = "P"
)

// Security is a tradable instrument identified by its exchange-qualified code (e.g. 600000.SH).
// The identifier never changes; every other attribute may be refreshed by metadata sync.
type Security struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Name       string     `json:"name"`
	Area       string     `json:"area,omitempty"`
	Industry   string     `json:"industry,omitempty"`
	Market     string     `json:"market,omitempty"`
	Exchange   string     `json:"exchange,omitempty"`
	ListDate   *time.Time `json:"list_date,omitempty"`
	ListStatus ListStatus `json:"list_status"`
	IsHS       string     `json:"is_hs,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TradingCalendarEntry marks one date as open or closed on an exchange
type TradingCalendarEntry struct {
	Exchange string    `json:"exchange"`
	Date     time.Time `json:"date"`
	IsOpen   bool      `json:"is_open"`
}

// PriceBar is one daily bar for a security, keyed by (SecurityID, TradeDate).
// AdjFactor is nil when the provider did not return one.
type PriceBar struct {
	SecurityID string    `json:"security_id"`
	TradeDate  time.Time `json:"trade_date"`
	Open       *float64  `json:"open"`
	High       *float64  `json:"high"`
	Low        *float64  `json:"low"`
	Close      *float64  `json:"close"`
	PreClose   *float64  `json:"pre_close"`
	Change     *float64  `json:"change"`
	PctChange  *float64  `json:"pct_chg"`
	Volume     *float64  `json:"vol"`
	Amount     *float64  `json:"amount"`
	AdjFactor  *float64  `json:"adj_factor,omitempty"`
}

// Key returns the unique key of the bar
func (b PriceBar) Key() EntityKey {
	return EntityKey{SecurityID: b.SecurityID, Date: b.TradeDate}
}

// AdjustmentFactor is the cumulative adjustment factor of a security on a date
type AdjustmentFactor struct {
	SecurityID string    `json:"security_id"`
	TradeDate  time.Time `json:"trade_date"`
	Factor     float64   `json:"adj_factor"`
}

// Key returns the unique key of the factor
func (f AdjustmentFactor) Key() EntityKey {
	return EntityKey{SecurityID: f.SecurityID, Date: f.TradeDate}
}

// EntityKey identifies a (security, date) row
type EntityKey struct {
	SecurityID string
	Date       time.Time
}

// SyncMode selects how a run decides what to fetch
type SyncMode string

const (
	// SyncModeAuto picks full when no local bars exist, incremental otherwise
	SyncModeAuto        SyncMode = "auto"
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

// Valid reports whether m is a known mode
func (m SyncMode) Valid() bool {
	switch m {
	case SyncModeAuto, SyncModeFull, SyncModeIncremental:
		return true
	}
	return false
}

// DefaultExchanges are the exchanges whose calendars are kept in sync
var DefaultExchanges = []string{"SSE", "SZSE"}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
