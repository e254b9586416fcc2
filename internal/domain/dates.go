package domain

import (
	"fmt"
	"time"
)

// DateLayout is the provider's compact date format
const DateLayout = "20060102"

// NormalizeDate truncates t to midnight UTC of its calendar date.
// Normalized dates compare equal with == and are safe as map keys.
func NormalizeDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYYMMDD or YYYY-MM-DD
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateLayout, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// FormatDate renders a date in the provider format
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateToUnix converts a date to unix seconds at UTC midnight
func DateToUnix(t time.Time) int64 {
	return NormalizeDate(t).Unix()
}

// UnixToDate is the inverse of DateToUnix
func UnixToDate(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// DateRange is an inclusive range of dates
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewDateRange normalizes both ends
func NewDateRange(from, to time.Time) DateRange {
	return DateRange{From: NormalizeDate(from), To: NormalizeDate(to)}
}

// TrailingRange returns [end-days, end]
func TrailingRange(end time.Time, days int) DateRange {
	end = NormalizeDate(end)
	return DateRange{From: end.AddDate(0, 0, -days), To: end}
}

// Validate rejects inverted or zero ranges
func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return fmt.Errorf("date range has zero bound")
	}
	if r.To.Before(r.From) {
		return fmt.Errorf("date range %s is inverted", r)
	}
	return nil
}

// Contains reports whether d falls inside the range
func (r DateRange) Contains(d time.Time) bool {
	d = NormalizeDate(d)
	return !d.Before(r.From) && !d.After(r.To)
}

func (r DateRange) String() string {
	return FormatDate(r.From) + "-" + FormatDate(r.To)
}
