/*
Package bouncer coalesces bursts of signals into fewer calls of a function.

A Bouncer works in one of two modes, chosen by the delay option supplied:

  - a waiter (WithAfter) calls the function once the signals have been quiet
    for the delay, i.e. it debounces;
  - a repeater (WithEvery) calls the function at most once per period while
    signals keep arriving, plus once more after the last of them, i.e. it
    throttles with a trailing flush.

With WithLeading the first signal of a burst also calls the function
straight away. Leading is off by default for a waiter and on for a repeater.

Example:

	import (
		"time"
		"github.com/parkerroan/bouncer"
	)

	// Save at most once a second while edits keep coming in.
	b, err := bouncer.New(
		bouncer.WithFunc(save),
		bouncer.WithEvery(time.Second),
	)
	if err != nil {
		return err
	}

	b.Fire()

The function runs on the goroutine of the timer, or on the goroutine calling
Fire for a leading call. It may call Fire or Cancel on its own Bouncer.

A Group keeps an independent Bouncer per key, and HTTPMiddleware fires a
Group from an HTTP handler chain. The broker package carries Fire signals
between processes over a Redis stream, and the timer package holds the
underlying alarm along with a manual clock for tests.
*/
package bouncer
