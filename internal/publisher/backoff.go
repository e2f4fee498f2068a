package publisher

import "time"

// DelayFunc returns the delay to wait after the given failed attempt.
type DelayFunc func(attempt int) time.Duration

// Linear returns a DelayFunc that grows by step with every attempt.
//
// With a step of 2 seconds:
//
// Delay after attempt 1: 2s
// Delay after attempt 2: 4s
// Delay after attempt 3: 6s
func Linear(step time.Duration) DelayFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			return 0
		}

		return time.Duration(attempt) * step
	}
}
