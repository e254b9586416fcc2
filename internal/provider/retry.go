package provider

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how transient provider errors are retried.
// MaxAttempts counts the first call, so 3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// DefaultRetryPolicy mirrors the provider's documented guidance: three attempts, two seconds apart at first
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     2 * time.Second,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.JitterPercent > 100 {
		p.JitterPercent = 100
	}
	return p
}

// Backoff returns a fresh delay sequence for one logical call
func (p RetryPolicy) Backoff() retry.Backoff {
	p = p.withDefaults()

	b := retry.NewExponential(p.BaseDelay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), b)
}
