package util

import "time"

// Backoff returns base * 2^(attempt-1), capped at max. attempt starts at 1.
func Backoff(attempt int64, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := int64(1); i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
