package backoff

import "time"

// Exponential returns base * 2^failures capped at max. Negative failures are
// treated as zero; a non-positive max disables the cap.
func Exponential(failures int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	d := base
	for i := 0; i < failures; i++ {
		if max > 0 && d >= max {
			return max
		}
		d *= 2
		if d <= 0 {
			// overflow
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
