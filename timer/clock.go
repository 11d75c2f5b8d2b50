package timer

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Clock schedules callbacks. It is the seam that lets a Timer run against the
// wall clock in production and against a Manual clock in tests.
type Clock = clock.WithDelayedExecution

// Wall is the real clock.
var Wall Clock = clock.RealClock{}

var _ Clock = (*Manual)(nil)

// Manual is a Clock that only moves when Advance is called. Callbacks run
// synchronously on the goroutine calling Advance, which the fake clock of
// k8s.io/utils/clock/testing does not guarantee.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*manualTimer
}

type manualTimer struct {
	m   *Manual
	at  time.Time
	seq uint64
	f   func()
	c   chan time.Time // nil for AfterFunc timers
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the current reading of the clock.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the time elapsed on the clock since t.
func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// AfterFunc schedules f to run once the clock has been advanced by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) clock.Timer {
	t := &manualTimer{m: m, f: f}
	m.add(t, d)
	return t
}

// NewTimer returns a timer whose channel receives the clock reading once
// the clock has been advanced by d.
func (m *Manual) NewTimer(d time.Duration) clock.Timer {
	t := &manualTimer{m: m, c: make(chan time.Time, 1)}
	t.f = func() {
		select {
		case t.c <- m.Now():
		default:
		}
	}
	m.add(t, d)
	return t
}

// After is NewTimer(d).C().
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

// Sleep blocks until another goroutine advances the clock by d.
func (m *Manual) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-m.After(d)
}

// Tick delivers the clock reading every d. The ticker cannot be stopped.
func (m *Manual) Tick(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	c := make(chan time.Time, 1)
	var tick func()
	tick = func() {
		select {
		case c <- m.Now():
		default:
		}
		m.AfterFunc(d, tick)
	}
	m.AfterFunc(d, tick)
	return c
}

// Advance moves the clock forward by d, running every callback that falls
// due in deadline order. While a callback runs, Now reports its deadline.
// Callbacks scheduled by other callbacks run in the same Advance if they
// fall due before the target time.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		t := m.nextDue(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = t.at
		m.mu.Unlock()

		t.f()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

func (m *Manual) add(t *manualTimer, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t.at = m.now.Add(d)
	t.seq = m.seq
	m.waiters = append(m.waiters, t)
}

// remove reports whether t was still pending. The caller holds m.mu.
func (m *Manual) remove(t *manualTimer) bool {
	for i, other := range m.waiters {
		if other == t {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// nextDue removes and returns the earliest timer due at or before target.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	if len(m.waiters) == 0 {
		return nil
	}
	sort.SliceStable(m.waiters, func(i, j int) bool {
		a, b := m.waiters[i], m.waiters[j]
		if a.at.Equal(b.at) {
			return a.seq < b.seq
		}
		return a.at.Before(b.at)
	})
	t := m.waiters[0]
	if t.at.After(target) {
		return nil
	}
	m.waiters = m.waiters[1:]
	return t
}

func (t *manualTimer) C() <-chan time.Time {
	return t.c
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.remove(t)
}

func (t *manualTimer) Reset(d time.Duration) bool {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.remove(t)
	m.seq++
	t.at = m.now.Add(d)
	t.seq = m.seq
	m.waiters = append(m.waiters, t)
	return pending
}
