package gophxchannels

import "time"

// BackoffFunc maps an attempt count (starting at 1) to a delay.
type BackoffFunc func(tries int) time.Duration

// DefaultReconnectAfter is the default socket reconnect backoff.
func DefaultReconnectAfter(tries int) time.Duration {
	intervals := []time.Duration{
		10 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
	}

	if tries >= 1 && tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return 5 * time.Second
}

// DefaultRejoinAfter is the default channel rejoin backoff.
func DefaultRejoinAfter(tries int) time.Duration {
	intervals := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		5 * time.Second,
	}
	if tries >= 1 && tries-1 < len(intervals) {
		return intervals[tries-1]
	}
	return 10 * time.Second
}

// Timer runs a callback after a backoff delay that grows with every fire.
// It is used both for socket reconnection and channel rejoin.
type Timer struct {
	sched    Scheduler
	callback func()
	backoff  BackoffFunc
	tries    int
	cancel   CancelFunc
}

// NewTimer creates a Timer that runs callback on sched.
func NewTimer(sched Scheduler, callback func(), backoff BackoffFunc) *Timer {
	return &Timer{
		sched:    sched,
		callback: callback,
		backoff:  backoff,
	}
}

// Reset zeroes the try counter and cancels any pending callback.
func (t *Timer) Reset() {
	t.tries = 0
	t.stop()
}

// ScheduleTimeout cancels any pending callback and schedules a new one after
// backoff(tries+1). The counter only advances when the callback fires.
func (t *Timer) ScheduleTimeout() {
	t.stop()
	t.cancel = t.sched.AfterFunc(t.backoff(t.tries+1), func() {
		t.cancel = nil
		t.tries++
		t.callback()
	})
}

// Tries returns how many times the callback has fired since the last Reset.
func (t *Timer) Tries() int {
	return t.tries
}

// Pending reports whether a callback is scheduled.
func (t *Timer) Pending() bool {
	return t.cancel != nil
}

func (t *Timer) stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
