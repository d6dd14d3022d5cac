package resilience

import "time"

// ExponentialBackoff doubles a base delay per attempt, optionally capped.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponentialBackoff(base, max time.Duration) ExponentialBackoff {
	if base <= 0 {
		base = time.Second
	}
	return ExponentialBackoff{Base: base, Max: max}
}

// Delay returns the delay before the given attempt. Attempts are 1-based;
// attempt 1 waits Base, attempt 2 waits 2*Base, attempt n waits Base*2^(n-1).
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
