package delivery

import (
	"math/rand/v2"
	"time"
)

// Inline retry backoff bounds.
const (
	backoffBase   = 1 * time.Second
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
)

// Backoff returns the sleep before retry attempt n (0-based):
// base·2^n capped, with ±20% jitter.
func Backoff(n int) time.Duration {
	return backoffFor(n, backoffBase, backoffCap)
}

func backoffFor(n int, base, maxDelay time.Duration) time.Duration {
	d := base << uint(n)
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	// Jitter multiplies by a uniform value in [1-j, 1+j].
	factor := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * factor)
}
