package scheduler_test

import (
	"testing"

	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_Once(t *testing.T) {
	s := scheduler.New()

	var ran bool
	var at float64

	s.Once(5, func() {
		ran = true
		at = s.DeltaTime()
	})

	assert.False(t, ran)
	assert.Zero(t, s.DeltaTime())

	s.RunUntil(10)

	assert.True(t, ran)
	assert.Equal(t, 5.0, at)
	assert.Equal(t, 10.0, s.DeltaTime())
}

func TestScheduler_Cancel(t *testing.T) {
	s := scheduler.New()

	var ran bool
	cancel := s.Once(1, func() { ran = true })
	cancel()
	cancel() // idempotent

	s.RunUntil(5)

	assert.False(t, ran)
}

func TestScheduler_FIFOAtEqualTime(t *testing.T) {
	s := scheduler.New()

	var order []int
	for i := range 5 {
		i := i
		s.Once(0, func() { order = append(order, i) })
	}

	s.RunUntil(0)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestScheduler_Repeat(t *testing.T) {
	s := scheduler.New()

	var fired int
	cancel := s.Repeat(2, func() { fired++ })

	s.RunUntil(7)
	assert.Equal(t, 3, fired)

	cancel()
	s.RunUntil(20)
	assert.Equal(t, 3, fired)
}

func TestScheduler_ZeroDelayDuringHandlerRunsAfter(t *testing.T) {
	s := scheduler.New()

	var order []string
	s.Once(1, func() {
		order = append(order, "outer-start")
		s.Once(0, func() { order = append(order, "inner") })
		order = append(order, "outer-end")
	})

	s.RunUntil(1)

	assert.Equal(t, []string{"outer-start", "outer-end", "inner"}, order)
}

func TestScheduler_NowTracksVirtualTime(t *testing.T) {
	s := scheduler.New()

	t0 := s.Now()
	s.RunUntil(30)
	t1 := s.Now()

	assert.Equal(t, float64(30), t1.Sub(t0).Seconds())
}

func TestScheduler_SpeedScalesDelay(t *testing.T) {
	s := scheduler.New()
	s.SetSpeed(scheduler.Faster)

	var at float64
	s.Delay(10, func() { at = s.DeltaTime() })

	s.RunUntil(100)

	assert.Equal(t, 5.0, at)
}

func TestScheduler_RunAllPanicsOnRunawayRepeat(t *testing.T) {
	s := scheduler.New()
	s.Repeat(1, func() {})

	require.Panics(t, func() { s.RunAll(10) })
}

func TestScheduler_Reset(t *testing.T) {
	s := scheduler.New()
	s.Once(1, func() {})
	s.RunUntil(1)

	s.Reset()

	assert.Zero(t, s.DeltaTime())
	assert.Zero(t, s.Pending())
}
