// Package timer provides the resettable alarm a bouncer is built on: a
// single-shot or periodic countdown that can be armed, refreshed and
// cancelled, and that reports whether it is currently armed.
package timer

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Timer runs a callback once after a delay, or repeatedly every period.
//
// The zero value is not usable; use New.
type Timer struct {
	mu     sync.Mutex
	clock  Clock
	fn     func()
	d      time.Duration
	repeat bool
	active bool
	gen    uint64 // bumped on every arm, refresh and cancel
	pend   clock.Timer
}

// New returns an inactive Timer scheduled by clock. A nil clock means Wall.
func New(c Clock) *Timer {
	if c == nil {
		c = Wall
	}
	return &Timer{clock: c}
}

// Arm sets the callback and duration and starts a fresh countdown,
// replacing any countdown in progress.
func (t *Timer) Arm(d time.Duration, repeat bool, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fn = fn
	t.d = d
	t.repeat = repeat
	t.schedule()
}

// Refresh restarts a countdown in progress from now and reports whether
// there was one. A timer that has elapsed, been cancelled or never been
// armed is left alone; use Arm to start it again.
func (t *Timer) Refresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false
	}
	t.schedule()
	return true
}

// Cancel stops the timer. A callback already handed to the clock will not
// run once Cancel has returned.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stop()
	t.active = false
	t.gen++
}

// Active reports whether a countdown is in progress.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Duration returns the delay or period the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.d
}

func (t *Timer) schedule() {
	t.stop()
	t.gen++
	t.active = true
	t.start(t.gen)
}

func (t *Timer) start(gen uint64) {
	t.pend = t.clock.AfterFunc(t.d, func() { t.elapse(gen) })
}

func (t *Timer) stop() {
	if t.pend != nil {
		t.pend.Stop()
		t.pend = nil
	}
}

func (t *Timer) elapse(gen uint64) {
	t.mu.Lock()
	if !t.active || gen != t.gen {
		t.mu.Unlock()
		return
	}
	fn, repeat := t.fn, t.repeat
	t.pend = nil
	if !repeat {
		t.active = false
	}
	t.mu.Unlock()

	fn()

	if !repeat {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// fn may have cancelled or refreshed the timer.
	if t.active && gen == t.gen {
		t.start(gen)
	}
}
