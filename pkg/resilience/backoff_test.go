package resilience

import (
	"testing"
	"time"
)

func TestExponentialBackoffDoubles(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	b := NewExponentialBackoff(time.Second, 3*time.Second)
	if got := b.Delay(3); got != 3*time.Second {
		t.Fatalf("got %v, want cap 3s", got)
	}
	if got := b.Delay(10); got != 3*time.Second {
		t.Fatalf("got %v, want cap 3s", got)
	}
}

func TestExponentialBackoffClampsAttempt(t *testing.T) {
	b := NewExponentialBackoff(500*time.Millisecond, 0)
	if got := b.Delay(0); got != 500*time.Millisecond {
		t.Fatalf("got %v, want base", got)
	}
}
