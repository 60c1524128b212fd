// Package clock is the time source the engine schedules against: attempt
// expiry, staging backoff, and the cleanup loop all read time through a
// Clock so tests can drive it deterministically.
package clock

import "time"

// Clock provides the time operations the engine needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real delegates to the runtime clock. Timestamps are normalized to UTC so
// values written from different hosts compare cleanly.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
