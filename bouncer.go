package bouncer

import (
	"fmt"
	"sync"
	"time"

	"github.com/parkerroan/bouncer/timer"
	"golang.org/x/exp/slog"
)

// Mode selects how a Bouncer treats a burst of signals.
type Mode int

const (
	// Waiter calls fn once the signals have been quiet for the delay.
	Waiter Mode = iota
	// Repeater calls fn at most once per period while signals keep arriving.
	Repeater
)

func (m Mode) String() string {
	switch m {
	case Waiter:
		return "waiter"
	case Repeater:
		return "repeater"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type settings struct {
	fn      func()
	mode    Mode
	d       time.Duration
	leading bool
}

// Bouncer coalesces bursts of Fire calls into fewer calls of a function.
//
// A Bouncer is safe for concurrent use. The function is never called with
// an internal lock held, so it may call Fire or Cancel on its own Bouncer.
//
// Ticks of one repeater window never overlap: the next period starts when
// the function returns. Otherwise a function that runs longer than the
// delay can overlap itself on the wall clock, for example when a leading
// call is still running as its window's tick arrives.
//
// The zero value is not usable; use New.
type Bouncer struct {
	mu     sync.Mutex
	timer  *timer.Timer
	cfg    settings // applies to the next window
	win    settings // the open window
	called bool     // repeater: a signal arrived that has not been serviced
	epoch  uint64   // bumped by Cancel to revoke ticks already in flight
	logger *slog.Logger
}

// New returns an inactive Bouncer. With no delay options it is a waiter
// with a zero delay.
func New(opts ...Option) (*Bouncer, error) {
	o := buildOptions(opts)
	s, err := o.settings()
	if err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bouncer{
		timer:  timer.New(o.clock),
		cfg:    s,
		logger: logger,
	}, nil
}

// Set replaces the callback, mode, delay and leading setting. Options not
// given fall back to their defaults. A window that is already open keeps
// the configuration it was opened with. On error the Bouncer is unchanged.
func (b *Bouncer) Set(opts ...Option) error {
	s, err := buildOptions(opts).settings()
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.cfg = s
	b.mu.Unlock()
	return nil
}

// Fire signals that something happened.
//
// A waiter opens a window, calling fn at once if leading, or restarts the
// countdown of the open one. A repeater records the signal and opens a
// window if none is open, calling fn at once if leading. Fire never
// refreshes an open repeater window.
//
// Fire can be passed around as a method value.
func (b *Bouncer) Fire() {
	b.mu.Lock()

	// A repeater window only closes under b.mu. A waiter countdown can
	// elapse at any moment, so Refresh checks and restarts it in one step.
	if b.win.mode == Repeater && b.timer.Active() {
		b.called = true
		b.mu.Unlock()
		return
	}
	if b.win.mode == Waiter && b.timer.Refresh() {
		b.mu.Unlock()
		return
	}

	w, epoch := b.cfg, b.epoch
	b.win = w
	b.called = w.mode == Repeater
	b.timer.Arm(w.d, w.mode == Repeater, func() { b.tick(w, epoch) })

	if w.leading && w.mode == Repeater {
		// the leading call services this burst's signal
		b.called = false
	}
	b.mu.Unlock()

	b.logger.Debug("bouncer window opened",
		slog.String("mode", w.mode.String()),
		slog.Duration("duration", w.d),
		slog.Bool("leading", w.leading),
	)

	if w.leading {
		w.fn()
	}
}

// Cancel closes any open window without calling fn. Ticks already
// scheduled are revoked. Calling Cancel on an inactive Bouncer does nothing.
func (b *Bouncer) Cancel() *Bouncer {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timer.Cancel()
	b.called = false
	b.epoch++
	return b
}

// Active reports whether a window is open.
func (b *Bouncer) Active() bool {
	return b.timer.Active()
}

// Mode returns the configured mode.
func (b *Bouncer) Mode() Mode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.mode
}

// Func returns the configured function.
func (b *Bouncer) Func() func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.fn
}

// After returns the waiter delay. ok is false for a repeater.
func (b *Bouncer) After() (d time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.mode != Waiter {
		return 0, false
	}
	return b.cfg.d, true
}

// Every returns the repeater period. ok is false for a waiter.
func (b *Bouncer) Every() (d time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.mode != Repeater {
		return 0, false
	}
	return b.cfg.d, true
}

// Leading reports whether the first signal of a burst calls fn at once.
func (b *Bouncer) Leading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.leading
}

func (b *Bouncer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := "after"
	if b.cfg.mode == Repeater {
		key = "every"
	}
	return fmt.Sprintf("Bouncer{%s: %v, leading: %t}", key, b.cfg.d, b.cfg.leading)
}

// tick runs when the timer of window w elapses.
func (b *Bouncer) tick(w settings, epoch uint64) {
	b.mu.Lock()
	if epoch != b.epoch {
		b.mu.Unlock()
		return
	}

	if w.mode == Repeater {
		if !b.called {
			b.timer.Cancel()
			b.mu.Unlock()
			b.logger.Debug("bouncer window closed", slog.String("mode", w.mode.String()))
			return
		}
		b.called = false
	}
	b.mu.Unlock()

	w.fn()
}
