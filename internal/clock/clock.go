// Package clock abstracts time for components that schedule against TTLs, so
// expiry behavior is testable without sleeping.
package clock

import "time"

// Clock is the subset of time functions the reservation core depends on.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a hand-driven clock for tests.
type Manual struct {
	T time.Time
}

// Now returns the manually set instant.
func (m *Manual) Now() time.Time {
	return m.T
}

// Advance moves the manual clock forward.
func (m *Manual) Advance(d time.Duration) {
	m.T = m.T.Add(d)
}
