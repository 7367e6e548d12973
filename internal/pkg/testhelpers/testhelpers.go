// Package testhelpers collects small constructors shared by this module's
// test suites: deterministic clocks and tipset builders that panic (via the
// supplied *testing.T) rather than returning errors.
package testhelpers

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/forest-go/internal/pkg/block"
	"github.com/filecoin-project/forest-go/internal/pkg/clock"
)

// NewFakeClock returns a clock fixed at t.
func NewFakeClock(t time.Time) clockwork.FakeClock {
	return clock.NewFake(t)
}

// RequireNewTipSet builds a tipset from blks, failing the test on error.
func RequireNewTipSet(t *testing.T, blks ...*block.Block) block.TipSet {
	tip, err := block.NewTipSet(blks...)
	require.NoError(t, err)
	return tip
}

// WaitForIt polls cond every interval until it returns true or timeout
// elapses, failing the test if it never does.
func WaitForIt(t *testing.T, timeout, interval time.Duration, cond func() bool, msg string) {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", msg)
		}
		time.Sleep(interval)
	}
}
