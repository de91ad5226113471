package grid

import "time"

// RetryPolicy decides how long to wait before the next tick after the venue
// returned consecutive errors. attempt counts failed ticks since the last
// clean one, starting at 1.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// NoRetry adds no extra delay; failed calls are simply retried on the next
// regular tick.
type NoRetry struct{}

func (NoRetry) Delay(int) time.Duration { return 0 }

// ExponentialBackoff waits Base*2^(attempt-1), capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}
	// 2^30s already exceeds any sane cap, avoid the shift overflowing.
	if attempt > 31 {
		return max
	}
	d := base * time.Duration(1<<(attempt-1))
	if d > max || d <= 0 {
		return max
	}
	return d
}
