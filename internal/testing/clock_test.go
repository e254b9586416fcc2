package testing

import (
	"testing"
	"time"

	"github.com/aristath/marketsync/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestFakeClock_AdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	early := c.After(time.Second)
	late := c.After(time.Minute)
	assert.Equal(t, 2, c.Waiters())

	c.Advance(30 * time.Second)
	select {
	case at := <-early:
		assert.Equal(t, start.Add(30*time.Second), at)
	default:
		t.Fatal("early timer did not fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	assert.Equal(t, 1, c.Waiters())

	c.Advance(30 * time.Second)
	<-late
	assert.Equal(t, 0, c.Waiters())
}

func TestAutoClock_AdvancesOnAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewAutoClock(start)

	<-c.After(2 * time.Second)
	<-c.After(3 * time.Second)

	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, c.Sleeps())
}

func TestWeekdays(t *testing.T) {
	// 2024-01-01 is a Monday
	days := Weekdays(domain.NewDateRange(Day(0), Day(13)))
	assert.Len(t, days, 10)
	for _, d := range days {
		assert.NotEqual(t, time.Saturday, d.Weekday())
		assert.NotEqual(t, time.Sunday, d.Weekday())
	}
}
