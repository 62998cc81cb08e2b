// Package clock abstracts the wall-clock operations the telemetry core
// suspends on: the reconnect delay and the snapshot debounce window.
//
// Production code injects Real(); tests inject Fake() and move time
// forward explicitly with Advance, so reconnect and debounce behaviour can
// be asserted without sleeping.
package clock

import "time"

// Clock is the subset of the time package used by the core.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for d, then calls f. The returned Timer cancels the
	// pending call with Stop.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns true if the call
// stopped the timer, false if it already fired or was stopped.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}
