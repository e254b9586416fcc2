package domain

import (
	"context"
	"time"
)

// SecurityUniverse lists the securities that are kept in sync
type SecurityUniverse interface {
	ListSecurities(ctx context.Context) ([]Security, error)
}

// TradingCalendar answers which dates an exchange traded on
type TradingCalendar interface {
	ListTradingDates(ctx context.Context, exchange string, r DateRange) ([]time.Time, error)
}

// BarReader is the read interface exposed to downstream consumers
type BarReader interface {
	LoadRange(ctx context.Context, securityID string, r DateRange) ([]PriceBar, error)
}

// Clock abstracts time so rate limiting and backoff can be driven by tests
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock
type RealClock struct{}

// Now returns time.Now()
func (RealClock) Now() time.Time { return time.Now() }

// After returns time.After(d)
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Sleep waits for d on clock c or until ctx is done
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
