// Package clock abstracts wall time and one-shot timers so every timed
// behavior in the client (idle detection, poll fallback, toast expiry,
// reconnect backoff) can be driven deterministically in tests.
//
// Only one-shot timers are exposed. Recurring work reschedules itself
// from its own callback, which keeps the fake implementation's firing
// order well-defined when a callback arms new timers.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was
	// already stopped.
	Stop() bool
}

// Clock provides the current time and one-shot timers.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run after d. The callback runs on an
	// unspecified goroutine for the system clock and on the Advance
	// caller's goroutine for the fake.
	AfterFunc(d time.Duration, f func()) Timer
}

// System returns a Clock backed by the time package.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced clock for tests.
//
// Advance moves the clock forward and fires due timers synchronously in
// deadline order, so a test observes the exact interleaving the
// durations imply. Callbacks may schedule further timers; those fire in
// the same Advance call if their deadline falls within the window.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	nextID int
}

// NewFake creates a fake clock at the given start instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

type fakeTimer struct {
	clock    *Fake
	id       int
	deadline time.Time
	f        func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	for i, st := range t.clock.timers {
		if st == t {
			t.clock.timers = append(t.clock.timers[:i], t.clock.timers[i+1:]...)
			break
		}
	}
	return true
}

// Now returns the fake's current instant.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to fire once the clock has been advanced past d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer whose
// deadline falls within the window, in deadline order (creation order
// breaks ties). Callbacks run on the caller's goroutine with no clock
// lock held.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.dueLocked(target)
		if t == nil {
			break
		}
		// Time jumps to the firing timer's deadline so callbacks that
		// reschedule observe a consistent Now.
		if t.deadline.After(c.now) {
			c.now = t.deadline
		}
		t.stopped = true
		c.mu.Unlock()
		t.f()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// dueLocked pops the earliest unexpired timer with deadline <= target.
func (c *Fake) dueLocked(target time.Time) *fakeTimer {
	sort.SliceStable(c.timers, func(i, j int) bool {
		if !c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].deadline.Before(c.timers[j].deadline)
		}
		return c.timers[i].id < c.timers[j].id
	})
	for i, t := range c.timers {
		if t.deadline.After(target) {
			break
		}
		c.timers = append(c.timers[:i], c.timers[i+1:]...)
		return t
	}
	return nil
}
