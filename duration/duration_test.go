package duration

import (
	"testing"
	"time"
)

func TestFromMillis(t *testing.T) {
	b := FromMillis(int64(36 * time.Hour / time.Millisecond))

	if b.Milliseconds != 129_600_000 {
		t.Fatalf("expected 129600000 ms, got %d", b.Milliseconds)
	}
	if b.Hours != 36 {
		t.Fatalf("expected 36 hours, got %v", b.Hours)
	}
	if b.Days != 1.5 {
		t.Fatalf("expected 1.5 days, got %v", b.Days)
	}
	if b.Minutes != 2160 || b.Seconds != 129_600 {
		t.Fatalf("unexpected minutes/seconds: %+v", b)
	}
}

func TestBetween(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	if got := Between(t0, t0.Add(2*time.Hour)); got != 7_200_000 {
		t.Fatalf("expected 7200000, got %d", got)
	}
	if got := Between(t0.Add(time.Second), t0); got != 0 {
		t.Fatalf("expected negative span to clamp to 0, got %d", got)
	}
}
