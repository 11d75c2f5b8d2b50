package bouncer

import (
	"fmt"
	"time"

	"github.com/parkerroan/bouncer/timer"
	"golang.org/x/exp/slog"
)

// Option configures a Bouncer.
type Option func(*options)

type options struct {
	fn      func()
	after   *time.Duration
	every   *time.Duration
	leading *bool

	clock  timer.Clock
	logger *slog.Logger
}

// WithFunc sets the function called when the bouncer settles or ticks.
// A nil function is replaced by a no-op.
func WithFunc(fn func()) Option {
	return func(o *options) {
		o.fn = fn
	}
}

// WithAfter makes the bouncer a waiter: fn is called once the signals have
// been quiet for d.
func WithAfter(d time.Duration) Option {
	return func(o *options) {
		o.after = &d
	}
}

// WithEvery makes the bouncer a repeater: fn is called at most once every d
// while signals keep arriving, and once more after the last of them.
func WithEvery(d time.Duration) Option {
	return func(o *options) {
		o.every = &d
	}
}

// WithLeading sets whether the first signal of a burst calls fn straight
// away. It defaults to false for a waiter and true for a repeater.
func WithLeading(leading bool) Option {
	return func(o *options) {
		o.leading = &leading
	}
}

// WithClock sets the clock driving the bouncer's timer. It only takes
// effect in New.
func WithClock(clock timer.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithLogger sets the logger used for debug output. It only takes effect
// in New.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// settings resolves the options into a validated configuration.
func (o *options) settings() (settings, error) {
	s := settings{fn: o.fn}
	if s.fn == nil {
		s.fn = func() {}
	}

	if o.after != nil && o.every != nil {
		return settings{}, fmt.Errorf("%w: after and every are mutually exclusive", ErrNoDelay)
	}

	if o.every != nil {
		d, err := toDelay(*o.every)
		if err != nil {
			return settings{}, err
		}
		s.mode = Repeater
		s.d = d
		s.leading = o.leading == nil || *o.leading
		return s, nil
	}

	var after time.Duration
	if o.after != nil {
		after = *o.after
	}
	d, err := toDelay(after)
	if err != nil {
		return settings{}, err
	}
	s.mode = Waiter
	s.d = d
	s.leading = o.leading != nil && *o.leading
	return s, nil
}

// toDelay floors d to whole milliseconds.
func toDelay(d time.Duration) (time.Duration, error) {
	if d < 0 {
		return 0, fmt.Errorf("%w: negative duration %v", ErrNoDelay, d)
	}
	return d.Truncate(time.Millisecond), nil
}
