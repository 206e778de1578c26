package clock

import (
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// FakeClock is a deterministic Clock on top of a benbjohnson mock. Time
// moves only when Advance is called.
//
// The mock runs each AfterFunc callback on its own goroutine. Advance steps
// the mock one deadline at a time and waits for the callbacks due at that
// deadline to return, so a callback that arms another timer schedules it
// from the instant it fired. Do not call Advance from a callback.
type FakeClock struct {
	mock *bclock.Mock

	mu      sync.Mutex
	changed *sync.Cond
	timers  map[*fakeTimer]struct{}
	tickers int
}

type fakeTimer struct {
	deadline time.Time
	timer    *bclock.Timer
	done     chan struct{}
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	m := bclock.NewMock()
	m.Set(initial)
	c := &FakeClock{mock: m, timers: make(map[*fakeTimer]struct{})}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time { return c.mock.Now() }

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	ft := &fakeTimer{done: make(chan struct{})}
	c.mu.Lock()
	ft.deadline = c.mock.Now().Add(d)
	ft.timer = c.mock.AfterFunc(d, func() {
		defer close(ft.done)
		f()
	})
	c.timers[ft] = struct{}{}
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A timer that already fired stays registered until Advance has
		// waited for its callback.
		if !ft.timer.Stop() {
			return false
		}
		delete(c.timers, ft)
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	t := c.mock.Ticker(d)
	c.tickers++
	c.changed.Broadcast()
	c.mu.Unlock()

	var once sync.Once
	return &Ticker{
		C: t.C,
		stopFunc: func() {
			t.Stop()
			once.Do(func() {
				c.mu.Lock()
				c.tickers--
				c.changed.Broadcast()
				c.mu.Unlock()
			})
		},
		resetFunc: func(d time.Duration) {
			if d <= 0 {
				panic("clock: non-positive interval for Ticker.Reset")
			}
			t.Reset(d)
		},
	}
}

// Advance moves the clock forward by d, firing every timer and ticker due
// inside the window in deadline order. Now() reports each deadline while
// its callbacks run.
func (c *FakeClock) Advance(d time.Duration) {
	target := c.mock.Now().Add(d)
	for {
		ft := c.nextDue(target)
		if ft == nil {
			break
		}
		if wait := ft.deadline.Sub(c.mock.Now()); wait > 0 {
			c.mock.Add(wait)
		}
		<-ft.done

		c.mu.Lock()
		delete(c.timers, ft)
		c.changed.Broadcast()
		c.mu.Unlock()
	}
	if rest := target.Sub(c.mock.Now()); rest > 0 {
		c.mock.Add(rest)
	}
}

// nextDue returns the registered timer with the earliest deadline at or
// before target.
func (c *FakeClock) nextDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next *fakeTimer
	for ft := range c.timers {
		if ft.deadline.After(target) {
			continue
		}
		if next == nil || ft.deadline.Before(next.deadline) {
			next = ft
		}
	}
	return next
}

// WaitForTimers blocks until at least n timers or tickers are pending. It
// closes the race between a goroutine arming a timer and the test advancing
// the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers)+c.tickers < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of armed timers and live tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers) + c.tickers
}
