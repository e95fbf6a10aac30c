package retry

import (
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", p.MaxRetries)
	}
	if p.BaseDelay != time.Second {
		t.Errorf("expected base_delay 1s, got %s", p.BaseDelay)
	}
	if p.MaxDelay != 5*time.Minute {
		t.Errorf("expected max_delay 5m, got %s", p.MaxDelay)
	}
	if p.JitterRatio != 1.0 {
		t.Errorf("expected full jitter, got %v", p.JitterRatio)
	}
}

func TestNextDelay_ExponentialGrowth(t *testing.T) {
	p := &Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0, // Disable jitter for deterministic testing.
	}

	want := []time.Duration{
		100 * time.Millisecond, // attempt 0 falls back to the base delay
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := p.NextDelay(attempt); got != w {
			t.Errorf("attempt %d: expected %s, got %s", attempt, w, got)
		}
	}
}

func TestNextDelay_MaxDelayCap(t *testing.T) {
	p := &Policy{
		BaseDelay:   1 * time.Second,
		MaxDelay:    5 * time.Second,
		Multiplier:  10.0,
		JitterRatio: 0,
	}

	if delay := p.NextDelay(5); delay != 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %s", delay)
	}
}

func TestNextDelay_FullJitter(t *testing.T) {
	p := DefaultPolicy()

	seen := make(map[time.Duration]bool)
	for i := 0; i < 100; i++ {
		d := p.NextDelay(3)
		if d <= 0 || d > 4*time.Second {
			t.Fatalf("delay %s outside (0, 4s]", d)
		}
		seen[d] = true
	}

	if len(seen) < 2 {
		t.Error("expected jitter to produce varying delays")
	}
}
