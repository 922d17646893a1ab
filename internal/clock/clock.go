// Package clock abstracts time so job runs can be replayed in tests.
package clock

import "time"

// Clock yields the current time in UTC.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock.
type System struct{}

// NewSystem creates a wall-clock backed Clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant. Useful in tests that assert on
// snapshot names and batch timestamps.
type Fixed struct {
	At time.Time
}

// NewFixed creates a Clock pinned to at.
func NewFixed(at time.Time) *Fixed {
	return &Fixed{At: at.UTC()}
}

// Now returns the pinned instant.
func (f Fixed) Now() time.Time {
	return f.At
}
