package scheduler

import (
	"math"
	"time"
)

// Backoff computes the delay before retrying after consecutive failures.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay after failure n (1-based): Base doubled for each
// further failure, capped at Max.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 || b.Base <= 0 {
		return 0
	}
	delay := float64(b.Base) * math.Pow(2, float64(n-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
