package security

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, rps, burst, maxEntries int) *RateLimiter {
	t.Helper()

	rl := NewRateLimiterWithConfig(rps, burst, maxEntries, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func TestRateLimiterAllow(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 2, 0)

	// The burst allows two immediate requests, the third is rejected.
	if !rl.Allow("192.0.2.1") {
		t.Error("first request should be allowed")
	}
	if !rl.Allow("192.0.2.1") {
		t.Error("second request should be allowed within burst")
	}
	if rl.Allow("192.0.2.1") {
		t.Error("third request should be rejected")
	}

	// Other identifiers have their own bucket.
	if !rl.Allow("192.0.2.2") {
		t.Error("different identifier should be allowed")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1, 3)

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}

	stats := rl.GetStats()
	if stats.CurrentEntries != 3 {
		t.Errorf("expected 3 tracked entries, got %d", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 2 {
		t.Errorf("expected 2 evictions, got %d", stats.TotalEvictions)
	}

	// An evicted identifier gets a fresh bucket and is allowed again.
	if !rl.Allow("10.0.0.0") {
		t.Error("evicted identifier should start with a fresh bucket")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := newTestRateLimiter(t, 1, 1, 0)

	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.2")

	// Nothing is idle long enough yet.
	rl.Cleanup(time.Minute)
	if got := rl.GetStats().CurrentEntries; got != 2 {
		t.Errorf("expected 2 entries after no-op cleanup, got %d", got)
	}

	// Everything is idle relative to a zero threshold.
	time.Sleep(5 * time.Millisecond)
	rl.Cleanup(time.Millisecond)
	if got := rl.GetStats().CurrentEntries; got != 0 {
		t.Errorf("expected 0 entries after cleanup, got %d", got)
	}
}
