package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManual(start)

	var fired []string
	var firedAt []time.Time
	c.AfterFunc(300*time.Millisecond, func() {
		fired = append(fired, "late")
		firedAt = append(firedAt, c.Now())
	})
	c.AfterFunc(100*time.Millisecond, func() {
		fired = append(fired, "early")
		firedAt = append(firedAt, c.Now())
	})

	c.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"early"}, fired)
	assert.Equal(t, 1, c.Pending())

	c.Advance(200 * time.Millisecond)
	assert.Equal(t, []string{"early", "late"}, fired)
	assert.Equal(t, start.Add(100*time.Millisecond), firedAt[0])
	assert.Equal(t, start.Add(300*time.Millisecond), firedAt[1])
	assert.Equal(t, start.Add(400*time.Millisecond), c.Now())
}

func TestManual_Stop(t *testing.T) {
	c := NewManual(time.Unix(0, 0))

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_ZeroDelayFiresOnAdvance(t *testing.T) {
	c := NewManual(time.Unix(0, 0))

	fired := 0
	c.AfterFunc(0, func() { fired++ })
	c.Advance(0)
	assert.Equal(t, 1, fired)
}

func TestManual_TimerArmedFromCallback(t *testing.T) {
	c := NewManual(time.Unix(0, 0))

	var order []int
	c.AfterFunc(10*time.Millisecond, func() {
		order = append(order, 1)
		c.AfterFunc(10*time.Millisecond, func() { order = append(order, 2) })
	})

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)
}
