package clock

import (
	"sync"
	"time"
)

// Task is a cancellable scheduled job created by After or Every. A nil *Task
// is inert, so "cancel the previous one, arm a new one" is always
//
//	st.countdown.Cancel()
//	st.countdown = clock.Every(...)
//
// A callback that has already started when Cancel is called still runs to
// completion; owners that must ignore such stragglers tag their work with a
// generation number.
type Task struct {
	mu        sync.Mutex
	timer     *Timer
	cancelled bool
}

// After runs f once after d.
func After(c Clock, d time.Duration, f func()) *Task {
	t := &Task{}
	timer := c.AfterFunc(d, func() {
		if t.Cancelled() {
			return
		}
		f()
	})
	t.setTimer(timer)
	return t
}

// Every runs f each time d elapses until the task is cancelled. The next run
// is armed after f returns, so a slow f never overlaps itself.
func Every(c Clock, d time.Duration, f func()) *Task {
	t := &Task{}
	var arm func()
	arm = func() {
		timer := c.AfterFunc(d, func() {
			if t.Cancelled() {
				return
			}
			f()
			arm()
		})
		t.setTimer(timer)
	}
	arm()
	return t
}

func (t *Task) setTimer(timer *Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		timer.Stop()
		return
	}
	t.timer = timer
}

// Cancel stops the task. Safe on a nil receiver and safe to repeat.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Active reports whether the task exists and has not been cancelled.
func (t *Task) Active() bool {
	return !t.Cancelled()
}

// Sleep waits for d on c or until done is closed. It returns false if done
// closed first.
func Sleep(c Clock, d time.Duration, done <-chan struct{}) bool {
	fired := make(chan struct{})
	timer := c.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-done:
		timer.Stop()
		return false
	}
}
