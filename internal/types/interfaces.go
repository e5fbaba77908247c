package types

import (
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock returns a Clock pinned to t, for tests.
type FixedClock struct{ T time.Time }

// Now returns the pinned time.
func (c FixedClock) Now() time.Time { return c.T }
