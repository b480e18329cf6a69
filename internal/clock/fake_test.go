package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	assert.Equal(t, 0, fired)
	assert.Equal(t, []time.Duration{time.Second}, c.Pending())

	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.Empty(t, c.Pending())

	c.Advance(time.Hour)
	assert.Equal(t, 1, fired, "one-shot timer must not fire twice")
}

func TestFakeClock_StopPreventsCallback(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeClock_CallbackCanReschedule(t *testing.T) {
	c := NewFake(epoch)
	var times []time.Time
	var schedule func()
	schedule = func() {
		times = append(times, c.Now())
		if len(times) < 3 {
			c.AfterFunc(time.Second, schedule)
		}
	}
	c.AfterFunc(time.Second, schedule)

	c.Advance(time.Second)
	c.Advance(time.Second)
	c.Advance(time.Second)
	require.Len(t, times, 3)
	assert.Equal(t, epoch.Add(3*time.Second), times[2])
}

func TestFakeClock_After(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(2 * time.Second)

	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(2 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(2*time.Second), got)
	default:
		t.Fatal("expected channel to fire")
	}
}

func TestRealClock_AfterFuncStop(t *testing.T) {
	c := Real()
	tm := c.AfterFunc(time.Hour, func() {})
	assert.True(t, tm.Stop())
	assert.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
