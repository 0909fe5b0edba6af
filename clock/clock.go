// Package clock abstracts the source of the current time so that components
// with temporal behavior (token expiry, key rotation grace windows, cache
// sweeps) can be tested deterministically.
package clock

import "time"

// Clock yields the current time. All temporal comparisons in this module go
// through a Clock rather than calling time.Now directly.
type Clock func() time.Time

// SystemClock returns a Clock backed by the system wall clock.
func SystemClock() Clock { return time.Now }

// FrozenClock returns a Clock that always reports t. It is primarily useful
// in tests.
func FrozenClock(t time.Time) Clock { return func() time.Time { return t } }

// Since returns the time elapsed between t and the clock's current time.
func (c Clock) Since(t time.Time) time.Duration { return c().Sub(t) }
