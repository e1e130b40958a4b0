package fieldsync

import (
	"testing"
	"time"
)

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.5); got != 0 {
		t.Fatalf("expected negative ratio clamped to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected oversized ratio clamped to 1, got %f", got)
	}
	if got := clampJitterRatio(0.3); got != 0.3 {
		t.Fatalf("expected in-range ratio unchanged, got %f", got)
	}
}
