package ratelimit

import "time"

// Clock abstracts time so rate limits (and the consent countdown, which
// reuses this interface) are deterministic under test.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
