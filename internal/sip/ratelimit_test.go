package sip

import "testing"

func TestInviteLimiterAllowsBurst(t *testing.T) {
	l := NewInviteLimiter(5)

	// Burst is twice the per-second rate.
	for i := 0; i < 10; i++ {
		if !l.Allow("192.0.2.1") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if l.Allow("192.0.2.1") {
		t.Error("request beyond burst was allowed")
	}
}

func TestInviteLimiterPerSource(t *testing.T) {
	l := NewInviteLimiter(1)

	for i := 0; i < 2; i++ {
		if !l.Allow("192.0.2.1") {
			t.Fatalf("first source denied within burst")
		}
	}
	if l.Allow("192.0.2.1") {
		t.Error("first source allowed beyond burst")
	}

	// Exhausting one source must not affect another.
	if !l.Allow("192.0.2.2") {
		t.Error("second source denied by first source's usage")
	}

	if got := l.TrackedSources(); got != 2 {
		t.Errorf("TrackedSources = %d, want 2", got)
	}
}

func TestInviteLimiterDefaultsRate(t *testing.T) {
	l := NewInviteLimiter(0)
	if !l.Allow("192.0.2.1") {
		t.Error("limiter with default rate denied first request")
	}
}

func TestInviteLimiterSweepKeepsActive(t *testing.T) {
	l := NewInviteLimiter(5)
	l.Allow("192.0.2.1")

	l.Sweep()
	if got := l.TrackedSources(); got != 1 {
		t.Errorf("sweep dropped an active source: TrackedSources = %d, want 1", got)
	}
}
