// Package clock abstracts timers so that reconnection backoff, pairing
// timeouts, pacing ticks and reconnection polls can run against a virtual
// clock in tests.
package clock

import "time"

// Clock is the scheduling surface used by the session controller and the
// dispatch engine.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives the current time once d elapses.
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f once d elapses. The returned Timer can cancel it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer, false if it already fired or was stopped.
	Stop() bool
}

type realClock struct{}

// Real returns a Clock backed by package time.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
