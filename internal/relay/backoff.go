package relay

import "time"

// Backoff computes the publish retry delay: min(2^attempts * base, cap).
// Attempts beyond the doubling range saturate at cap.
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if cap < base {
		cap = base
	}
	// 2^attempts overflows quickly; saturate once the shift would exceed cap.
	for i := 0; i < attempts; i++ {
		base *= 2
		if base >= cap {
			return cap
		}
	}
	if base > cap {
		return cap
	}
	return base
}
