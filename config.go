package bouncer

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Config is the textual form of a bouncer configuration, as read from the
// environment or a JSON document.
//
// After and Every accept Go durations ("250ms", "1.5s") or a bare number of
// milliseconds ("250"). Fractional milliseconds are floored. Handler names
// an entry of the handler table passed to Options.
type Config struct {
	Handler string `envconfig:"HANDLER" json:"handler,omitempty"`
	After   string `envconfig:"AFTER" json:"after,omitempty"`
	Every   string `envconfig:"EVERY" json:"every,omitempty"`
	Leading *bool  `envconfig:"LEADING" json:"leading,omitempty"`
}

// Options converts the configuration into bouncer options, resolving the
// handler against handlers. An empty Handler leaves the function unset.
func (c Config) Options(handlers map[string]func()) ([]Option, error) {
	var opts []Option

	if c.Handler != "" {
		fn, ok := handlers[c.Handler]
		if !ok || fn == nil {
			return nil, fmt.Errorf("%w: unknown handler %q", ErrNoFunction, c.Handler)
		}
		opts = append(opts, WithFunc(fn))
	}

	after, err := parseDelay(c.After)
	if err != nil {
		return nil, err
	}
	every, err := parseDelay(c.Every)
	if err != nil {
		return nil, err
	}
	if after != nil && every != nil {
		return nil, fmt.Errorf("%w: after and every are mutually exclusive", ErrNoDelay)
	}

	if after != nil {
		opts = append(opts, WithAfter(*after))
	}
	if every != nil {
		opts = append(opts, WithEvery(*every))
	}
	if c.Leading != nil {
		opts = append(opts, WithLeading(*c.Leading))
	}

	return opts, nil
}

// maxDelayMillis is the longest delay, in milliseconds, a time.Duration holds.
const maxDelayMillis = float64(math.MaxInt64 / int64(time.Millisecond))

// parseDelay returns nil for an empty string.
func parseDelay(s string) (*time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(ms) || ms < 0 || ms > maxDelayMillis {
			return nil, fmt.Errorf("%w: invalid delay %q", ErrNoDelay, s)
		}
		d := time.Duration(math.Floor(ms)) * time.Millisecond
		return &d, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return nil, fmt.Errorf("%w: invalid delay %q", ErrNoDelay, s)
	}
	d = d.Truncate(time.Millisecond)
	return &d, nil
}
