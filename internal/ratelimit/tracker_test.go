package ratelimit

import (
	"testing"
	"time"
)

func newTestTracker(t *testing.T, cfg TrackerConfig) Tracker {
	t.Helper()
	tr := NewTracker(cfg)
	t.Cleanup(tr.Close)
	return tr
}

func TestTracker_RateLimitWindow(t *testing.T) {
	tr := newTestTracker(t, DefaultTrackerConfig())

	if !tr.IsEligible("a") {
		t.Fatal("untracked account should be eligible")
	}

	tr.MarkRateLimited("a", 50*time.Millisecond)
	if tr.IsEligible("a") {
		t.Error("rate limited account should not be eligible")
	}

	time.Sleep(70 * time.Millisecond)
	if !tr.IsEligible("a") {
		t.Error("account should be eligible after the window passes")
	}
}

func TestTracker_NeverShortensWindow(t *testing.T) {
	tr := newTestTracker(t, DefaultTrackerConfig())

	tr.MarkRateLimited("a", 1*time.Hour)
	tr.MarkRateLimited("a", 1*time.Second)

	h := tr.Health("a")
	if time.Until(h.RateLimitedUntil) < 30*time.Minute {
		t.Errorf("shorter mark must not shrink the window, until=%v", h.RateLimitedUntil)
	}
}

func TestTracker_FailureKinds(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxFailures = 2
	tr := newTestTracker(t, cfg)

	// client errors never count toward quarantine
	for i := 0; i < 5; i++ {
		tr.MarkFailure("a", FailureClient4xx)
	}
	if !tr.IsEligible("a") {
		t.Error("client 4xx failures must not quarantine an account")
	}

	tr.MarkFailure("b", FailureNetwork)
	if tr.Health("b").State != StateDegraded {
		t.Error("expected degraded state after one counted failure")
	}
	tr.MarkFailure("b", FailureAuth)
	if tr.Health("b").State != StateQuarantined {
		t.Error("expected quarantined state at max failures")
	}
	if tr.IsEligible("b") {
		t.Error("quarantined account should not be eligible")
	}
}

func TestTracker_QuarantineCooldown(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxFailures = 1
	cfg.QuarantineCooldown = 50 * time.Millisecond
	tr := newTestTracker(t, cfg)

	tr.MarkFailure("a", FailureUpstream5xx)
	if tr.IsEligible("a") {
		t.Fatal("account should be quarantined")
	}

	time.Sleep(70 * time.Millisecond)
	if !tr.IsEligible("a") {
		t.Error("quarantine should lift after the cooldown")
	}
}

func TestTracker_SuccessResets(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxFailures = 2
	tr := newTestTracker(t, cfg)

	tr.MarkFailure("a", FailureNetwork)
	tr.MarkRateLimited("a", 1*time.Hour)
	tr.MarkSuccess("a")

	if !tr.IsEligible("a") {
		t.Error("success must clear failures and the rate-limit window")
	}
	h := tr.Health("a")
	if h.ConsecutiveFailures != 0 || h.State != StateHealthy {
		t.Errorf("unexpected health after success: %+v", h)
	}
}

func TestTracker_Stats(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxFailures = 1
	tr := newTestTracker(t, cfg)

	tr.MarkRateLimited("a", 1*time.Hour)
	tr.MarkFailure("b", FailureNetwork)

	stats := tr.Stats()
	if stats.Tracked != 2 {
		t.Errorf("expected 2 tracked entries, got %d", stats.Tracked)
	}
	if stats.RateLimited != 1 {
		t.Errorf("expected 1 rate limited, got %d", stats.RateLimited)
	}
	if stats.Quarantined != 1 {
		t.Errorf("expected 1 quarantined, got %d", stats.Quarantined)
	}
}
