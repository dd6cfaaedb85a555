package sender

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at maxD, with 0.7..1.3 jitter.
func Backoff(base, maxD time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if maxD < base {
		maxD = base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
