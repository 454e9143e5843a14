package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	c := NewManual(time.Time{})
	var fired []string

	c.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "c") })
	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })

	c.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_RescheduledTimersFireWithinWindow(t *testing.T) {
	c := NewManual(time.Time{})
	count := 0

	var tick func()
	tick = func() {
		count++
		c.AfterFunc(time.Second, tick)
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(3 * time.Second)
	assert.Equal(t, 3, count)
}

func TestManual_StopPreventsFire(t *testing.T) {
	c := NewManual(time.Time{})
	fired := false

	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManual_NowTracksAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestManual_ZeroDelayFiresOnAdvanceZero(t *testing.T) {
	c := NewManual(time.Time{})
	fired := false
	c.AfterFunc(0, func() { fired = true })

	c.Advance(0)
	assert.True(t, fired)
}
