// Package testutil holds small helpers shared by fuzz and timing-sensitive
// tests.
package testutil

import (
	"testing"
	"time"
)

const (
	// MaxFuzzInput sits a little above the largest encoded wire frame so a
	// pathological corpus entry cannot balloon a run.
	MaxFuzzInput = 72 << 10

	DefaultDeadline = 200 * time.Millisecond
)

// Clamp truncates fuzz input to max bytes, or to MaxFuzzInput when max is
// not positive.
func Clamp(b []byte, max int) []byte {
	if max <= 0 {
		max = MaxFuzzInput
	}
	if len(b) > max {
		return b[:max]
	}
	return b
}

// MustFinish fails the test when fn has not returned within d
// (DefaultDeadline when d is not positive). fn keeps running after the
// failure; the goroutine leaks for the remainder of the test binary.
func MustFinish(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if d <= 0 {
		d = DefaultDeadline
	}
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("still running after %s", d)
	}
}
