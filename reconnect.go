package deepstream

import "time"

// backoff computes the delay before a reconnect attempt: a fixed step per
// attempt already made, capped at max. The first attempt runs immediately.
type backoff struct {
	step time.Duration
	max  time.Duration
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.step * time.Duration(attempt)
	if d > b.max {
		d = b.max
	}
	return d
}
