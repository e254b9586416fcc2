// Package ratelimit bounds outbound provider calls by concurrency and by a trailing time window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Defaults match the provider quota
const (
	DefaultMaxConcurrent = 2
	DefaultMaxPerWindow  = 500
	DefaultWindow        = time.Minute
)

var errWaitTimeout = errors.New("permit wait timeout")

// Config holds limiter settings
type Config struct {
	MaxConcurrent int           // outstanding calls
	MaxPerWindow  int           // calls admitted per trailing Window
	Window        time.Duration
	WaitTimeout   time.Duration // 0 waits until ctx is done
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = DefaultMaxPerWindow
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Limiter admits callers in FIFO order once both a concurrency slot and a window slot are free.
// A single Limiter is shared by every provider caller in the process.
type Limiter struct {
	cfg   Config
	clock domain.Clock
	log   zerolog.Logger

	// turnstile serializes admission; semaphore.Weighted serves waiters in arrival order
	turnstile *semaphore.Weighted
	slots     *semaphore.Weighted

	mu     sync.Mutex
	issued []time.Time // admission times inside the window, oldest first

	waiting  atomic.Int64
	inFlight atomic.Int64
	admitted atomic.Int64
	throttle atomic.Int64
}

// New creates a limiter. A nil clock means the wall clock.
func New(cfg Config, clock domain.Clock, log zerolog.Logger) *Limiter {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &Limiter{
		cfg:       cfg,
		clock:     clock,
		log:       log.With().Str("component", "rate_limiter").Logger(),
		turnstile: semaphore.NewWeighted(1),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		issued:    make([]time.Time, 0, cfg.MaxPerWindow),
	}
}

// Permit is a granted concurrency slot. Release it exactly once; extra calls are no-ops.
type Permit struct {
	l    *Limiter
	once sync.Once
}

// Release frees the concurrency slot
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.l.inFlight.Add(-1)
		p.l.slots.Release(1)
	})
}

// Acquire blocks until a permit is available.
// Returns domain.ErrThrottled when WaitTimeout elapses first, or ctx.Err() when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if l.cfg.WaitTimeout > 0 {
		timer := l.clock.After(l.cfg.WaitTimeout)
		go func() {
			select {
			case <-timer:
				cancel(errWaitTimeout)
			case <-wctx.Done():
			}
		}()
	}

	if err := l.turnstile.Acquire(wctx, 1); err != nil {
		return nil, l.waitError(ctx, wctx)
	}
	defer l.turnstile.Release(1)

	if err := l.slots.Acquire(wctx, 1); err != nil {
		return nil, l.waitError(ctx, wctx)
	}

	if err := l.reserveWindowSlot(wctx); err != nil {
		l.slots.Release(1)
		return nil, l.waitError(ctx, wctx)
	}

	l.inFlight.Add(1)
	l.admitted.Add(1)
	return &Permit{l: l}, nil
}

// Do runs fn while holding a permit; the permit is released on every exit path
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	permit, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer permit.Release()
	return fn(ctx)
}

// reserveWindowSlot records an admission once the trailing window has room.
// Only the turnstile holder calls this, so the wait cannot be overtaken.
func (l *Limiter) reserveWindowSlot(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.prune(now)
		if len(l.issued) < l.cfg.MaxPerWindow {
			l.issued = append(l.issued, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.issued[0].Add(l.cfg.Window).Sub(now)
		l.mu.Unlock()

		l.log.Debug().
			Dur("wait", wait).
			Int("limit", l.cfg.MaxPerWindow).
			Msg("Call window full, waiting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// prune drops admissions that left the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.issued) && now.Sub(l.issued[cut]) >= l.cfg.Window {
		cut++
	}
	if cut > 0 {
		l.issued = append(l.issued[:0], l.issued[cut:]...)
	}
}

func (l *Limiter) waitError(parent, wctx context.Context) error {
	if parent.Err() == nil && errors.Is(context.Cause(wctx), errWaitTimeout) {
		l.throttle.Add(1)
		l.log.Warn().Dur("wait_timeout", l.cfg.WaitTimeout).Msg("No permit within wait timeout")
		return fmt.Errorf("%w: no permit within %s", domain.ErrThrottled, l.cfg.WaitTimeout)
	}
	return parent.Err()
}

// Stats is a point-in-time view of the limiter
type Stats struct {
	MaxConcurrent int   `json:"max_concurrent"`
	MaxPerWindow  int   `json:"max_per_window"`
	WindowSeconds int   `json:"window_seconds"`
	InFlight      int64 `json:"in_flight"`
	Waiting       int64 `json:"waiting"`
	InWindow      int   `json:"in_window"`
	Admitted      int64 `json:"admitted"`
	Throttled     int64 `json:"throttled"`
}

// Stats returns current counters
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	l.prune(l.clock.Now())
	inWindow := len(l.issued)
	l.mu.Unlock()

	return Stats{
		MaxConcurrent: l.cfg.MaxConcurrent,
		MaxPerWindow:  l.cfg.MaxPerWindow,
		WindowSeconds: int(l.cfg.Window / time.Second),
		InFlight:      l.inFlight.Load(),
		Waiting:       l.waiting.Load(),
		InWindow:      inWindow,
		Admitted:      l.admitted.Load(),
		Throttled:     l.throttle.Load(),
	}
}
