package fetchers

// checkBar returns the first OHLC inconsistency of a bar, or "" when none.
// Missing prices are not checked.
func checkBar(b barPrices) string {
	if b.open == nil || b.high == nil || b.low == nil || b.close == nil {
		return ""
	}
	open, high, low, closePrice := *b.open, *b.high, *b.low, *b.close

	switch {
	case high < low:
		return "high_below_low"
	case high < open:
		return "high_below_open"
	case high < closePrice:
		return "high_below_close"
	case low > open:
		return "low_above_open"
	case low > closePrice:
		return "low_above_close"
	case closePrice <= 0:
		return "non_positive_close"
	}
	return ""
}

type barPrices struct {
	open, high, low, close *float64
}
