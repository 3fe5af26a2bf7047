// Package clock provides an injectable time source so the reconciler,
// waitlist director, and task dispatcher can be driven deterministically in
// tests instead of sleeping on the wall clock.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the subset of clockwork.Clock the CNAPI core depends on.
type Clock = clockwork.Clock

// Timer is a cancellable, resettable single-shot alarm returned by
// Clock.AfterFunc, used by the task dispatcher's wait timeouts and cache
// cleanup.
type Timer = clockwork.Timer

// New returns the real, wall-clock implementation.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a clock under test control, starting at the current time.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
