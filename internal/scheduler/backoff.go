package scheduler

import "time"

// NextDelay returns the backoff delay before the given attempt number
// (1-indexed: attempt 1 just failed, so the result delays attempt 2).
// The delay doubles per attempt and is capped at max.
func NextDelay(attemptCount int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attemptCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
