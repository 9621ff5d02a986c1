// Package clock lets the bridge wait on time without binding tests to the
// wall clock.
package clock

import "time"

// Clock is the subset of the time package the bridge waits on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
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

// Remaining returns how long is left until deadline according to c, never
// less than zero.
func Remaining(c Clock, deadline time.Time) time.Duration {
	left := deadline.Sub(c.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Tick returns a channel that fires after the shorter of interval and the
// time left until deadline. Poll loops use it so the final iteration lands
// on the deadline instead of overshooting it by up to one interval.
func Tick(c Clock, interval time.Duration, deadline time.Time) <-chan time.Time {
	left := Remaining(c, deadline)
	if interval <= 0 || left < interval {
		interval = left
	}
	return c.After(interval)
}
