package gophxchannels

import (
	"sync"
	"time"
)

// CancelFunc cancels a task scheduled with AfterFunc. It reports whether the
// task was still pending. Calling it more than once is harmless.
type CancelFunc func() bool

// Scheduler is the single logical thread every Socket, Channel, Push and
// Presence runs on. All state transitions happen inside tasks run by the
// scheduler, so none of those types take locks.
type Scheduler interface {
	// Post queues fn to run on the scheduler goroutine.
	Post(fn func())
	// AfterFunc runs fn on the scheduler goroutine after d has elapsed.
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

// Loop is the default Scheduler: one goroutine draining a FIFO queue.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	once    sync.Once
}

// NewLoop starts a new Loop goroutine.
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post implements Scheduler. Tasks posted after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc implements Scheduler. The cancelled flag is only read and written
// on the loop goroutine, so a timer that already fired and re-posted itself
// is still suppressed by a cancel issued before the posted task runs.
func (l *Loop) AfterFunc(d time.Duration, fn func()) CancelFunc {
	var (
		cancelled bool
		fired     bool
	)
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if cancelled || fired {
				return
			}
			fired = true
			fn()
		})
	})
	return func() bool {
		t.Stop()
		if cancelled || fired {
			return false
		}
		cancelled = true
		return true
	}
}

// Stop ends the loop goroutine after the task currently running returns.
// Pending tasks are discarded.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if l.stopped || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}
