package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	testingpkg "github.com/aristath/marketsync/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)

func quietLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(Config{}, nil, quietLog())
	stats := l.Stats()
	assert.Equal(t, 2, stats.MaxConcurrent)
	assert.Equal(t, 500, stats.MaxPerWindow)
	assert.Equal(t, 60, stats.WindowSeconds)
}

func TestLimiter_ConcurrencyCap(t *testing.T) {
	l := New(Config{MaxConcurrent: 2, MaxPerWindow: 100, Window: time.Minute}, nil, quietLog())
	ctx := context.Background()

	p1, err := l.Acquire(ctx)
	require.NoError(t, err)
	p2, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), l.Stats().InFlight)

	acquired := make(chan *Permit, 1)
	go func() {
		p, err := l.Acquire(ctx)
		if err == nil {
			acquired <- p
		}
	}()

	select {
	case <-acquired:
		t.Fatal("third caller admitted while two calls are outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	p1.Release()
	select {
	case p3 := <-acquired:
		p3.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("third caller not admitted after release")
	}

	p2.Release()
	p2.Release() // double release is a no-op
	assert.Equal(t, int64(0), l.Stats().InFlight)
}

func TestLimiter_WindowCap(t *testing.T) {
	clock := testingpkg.NewFakeClock(start)
	l := New(Config{MaxConcurrent: 10, MaxPerWindow: 3, Window: time.Minute}, clock, quietLog())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := l.Acquire(ctx)
		require.NoError(t, err)
		p.Release()
		clock.Advance(time.Second)
	}
	assert.Equal(t, 3, l.Stats().InWindow)

	admitted := make(chan time.Time, 1)
	go func() {
		p, err := l.Acquire(ctx)
		if err == nil {
			admitted <- clock.Now()
			p.Release()
		}
	}()

	// First admission was at start; the fourth must wait until start+60s
	require.True(t, clock.BlockUntil(1))
	clock.Advance(56 * time.Second) // now start+59s
	select {
	case <-admitted:
		t.Fatal("admitted before the window slid")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case at := <-admitted:
		assert.Equal(t, start.Add(time.Minute), at)
	case <-time.After(2 * time.Second):
		t.Fatal("not admitted after window slid")
	}
}

func TestLimiter_SlidingWindowCompliance(t *testing.T) {
	clock := testingpkg.NewAutoClock(start)
	const perWindow = 5
	l := New(Config{MaxConcurrent: 2, MaxPerWindow: perWindow, Window: time.Minute}, clock, quietLog())
	ctx := context.Background()

	var admissions []time.Time
	for i := 0; i < 23; i++ {
		p, err := l.Acquire(ctx)
		require.NoError(t, err)
		admissions = append(admissions, clock.Now())
		p.Release()
		// Uneven spacing between calls
		<-clock.After(time.Duration(i%4) * 7 * time.Second)
	}

	for i := 0; i+perWindow < len(admissions); i++ {
		gap := admissions[i+perWindow].Sub(admissions[i])
		assert.GreaterOrEqual(t, gap, time.Minute, "more than %d calls within a minute at index %d", perWindow, i)
	}
}

func TestLimiter_FIFOAdmission(t *testing.T) {
	l := New(Config{MaxConcurrent: 1, MaxPerWindow: 100, Window: time.Minute}, nil, quietLog())
	ctx := context.Background()

	holder, err := l.Acquire(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p, err := l.Acquire(ctx)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			p.Release()
		}(i)
		require.Eventually(t, func() bool { return l.Stats().Waiting == int64(i) }, time.Second, time.Millisecond)
		// Let the goroutine reach the semaphore queue before the next one starts
		time.Sleep(10 * time.Millisecond)
	}

	holder.Release()
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestLimiter_WaitTimeoutThrottles(t *testing.T) {
	clock := testingpkg.NewFakeClock(start)
	l := New(Config{MaxConcurrent: 1, MaxPerWindow: 100, Window: time.Minute, WaitTimeout: 5 * time.Second}, clock, quietLog())
	ctx := context.Background()

	holder, err := l.Acquire(ctx)
	require.NoError(t, err)
	baseline := clock.Waiters() // the holder's timeout timer never fires

	result := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		result <- err
	}()

	require.True(t, clock.BlockUntil(baseline+1))
	clock.Advance(5 * time.Second)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, domain.ErrThrottled)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not throttled")
	}
	assert.Equal(t, int64(1), l.Stats().Throttled)

	// A throttled waiter leaves nothing behind
	holder.Release()
	p, err := l.Acquire(ctx)
	require.NoError(t, err)
	p.Release()
	assert.Equal(t, int64(0), l.Stats().Waiting)
}

func TestLimiter_ContextCancel(t *testing.T) {
	l := New(Config{MaxConcurrent: 1}, nil, quietLog())
	holder, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer holder.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, domain.ErrThrottled)
}

func TestLimiter_DoReleasesOnPanic(t *testing.T) {
	l := New(Config{MaxConcurrent: 1}, nil, quietLog())

	assert.Panics(t, func() {
		_ = l.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, int64(0), l.Stats().InFlight)

	var calls atomic.Int32
	err := l.Do(context.Background(), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLimiter_ConcurrentCallersNeverExceedCap(t *testing.T) {
	l := New(Config{MaxConcurrent: 2, MaxPerWindow: 1000, Window: time.Minute}, nil, quietLog())

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(20), l.Stats().Admitted)
}
