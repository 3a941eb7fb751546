package jobqueue

import (
	"math"
	"time"
)

// Backoff returns the retry delay after the given number of attempts:
// base * 2^(attempts-1). There is no jitter and no cap.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts <= 1 {
		return base
	}
	d := float64(base) * math.Pow(2, float64(attempts-1))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
