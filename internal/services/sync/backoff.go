package sync

import "time"

// Backoff computes capped exponential retry delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Base*2^attempt, Max). Attempt 0 is the first retry.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
