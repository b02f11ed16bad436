package gophxchannels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultReconnectAfter(t *testing.T) {
	tests := []struct {
		tries int
		want  time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 50 * time.Millisecond},
		{7, 500 * time.Millisecond},
		{9, 2 * time.Second},
		{10, 5 * time.Second},
		{100, 5 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultReconnectAfter(tt.tries), "tries=%d", tt.tries)
	}
}

func TestDefaultRejoinAfter(t *testing.T) {
	assert.Equal(t, 1*time.Second, DefaultRejoinAfter(1))
	assert.Equal(t, 2*time.Second, DefaultRejoinAfter(2))
	assert.Equal(t, 5*time.Second, DefaultRejoinAfter(3))
	assert.Equal(t, 10*time.Second, DefaultRejoinAfter(4))
}

func TestTimerBacksOff(t *testing.T) {
	sched := newManualScheduler()
	var delays []time.Duration
	calls := 0
	timer := NewTimer(sched, func() { calls++ }, func(tries int) time.Duration {
		d := time.Duration(tries) * 100 * time.Millisecond
		delays = append(delays, d)
		return d
	})

	timer.ScheduleTimeout()
	assert.True(t, timer.Pending())
	assert.Equal(t, 0, timer.Tries())

	sched.advance(99 * time.Millisecond)
	assert.Equal(t, 0, calls)

	sched.advance(time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, timer.Tries())
	assert.False(t, timer.Pending())

	timer.ScheduleTimeout()
	sched.advance(200 * time.Millisecond)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestTimerRescheduleCancelsPending(t *testing.T) {
	sched := newManualScheduler()
	calls := 0
	timer := NewTimer(sched, func() { calls++ }, func(int) time.Duration { return time.Second })

	timer.ScheduleTimeout()
	sched.advance(500 * time.Millisecond)
	timer.ScheduleTimeout()
	sched.advance(500 * time.Millisecond)
	assert.Equal(t, 0, calls)

	sched.advance(500 * time.Millisecond)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, timer.Tries())
}

func TestTimerReset(t *testing.T) {
	sched := newManualScheduler()
	calls := 0
	timer := NewTimer(sched, func() { calls++ }, func(int) time.Duration { return time.Second })

	timer.ScheduleTimeout()
	sched.advance(time.Second)
	timer.ScheduleTimeout()
	timer.Reset()

	sched.advance(10 * time.Second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, timer.Tries())
	assert.False(t, timer.Pending())
}
