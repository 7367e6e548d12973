// Package testflags gates test execution by category, following the
// teacher's convention of skipping unit tests under -short and side-effecting
// tests unless explicitly requested.
package testflags

import (
	"os"
	"testing"
)

// UnitTest skips t under `go test -short`.
func UnitTest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unit test in short mode")
	}
}

// IntegrationTest skips t unless FOREST_INTEGRATION_TESTS is set.
func IntegrationTest(t *testing.T) {
	if os.Getenv("FOREST_INTEGRATION_TESTS") == "" {
		t.Skip("skipping integration test; set FOREST_INTEGRATION_TESTS=1 to run")
	}
}

// BadUnitTestWithSideEffects marks a test that mutates shared/global state
// (package-level registries, working directory) and so cannot safely run in
// parallel with others; skipped under -short like any other unit test.
func BadUnitTestWithSideEffects(t *testing.T) {
	UnitTest(t)
}
