// File: reactor/clock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import "time"

// Clock abstracts time so tests can drive timer expiry deterministically.
type Clock interface {
	Now() time.Time
	// After behaves like time.After. The reactor re-arms on every loop
	// iteration, so implementations need not support cancellation.
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// WallClock returns the real-time clock.
func WallClock() Clock { return wallClock{} }
