// Package clock abstracts wall-clock time so that block-timestamp validation
// and sync-progress timeouts can be driven deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the minimal time source consumed by consensus and syncer code.
type Clock interface {
	Now() time.Time
}

// realClock wraps clockwork.Clock, the teacher's real-time source.
type realClock struct {
	clockwork.Clock
}

// NewSystemClock returns a Clock backed by the real system time.
func NewSystemClock() Clock {
	return &realClock{clockwork.NewRealClock()}
}

// NewFake returns a Clock fixed at t, advanceable by the returned FakeClock.
func NewFake(t time.Time) clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t)
}
