package runner

import (
	"math"
	"math/rand"
	"time"
)

// computeBackoff returns the delay before retry attempt n (1-based):
// base * 2^(n-1), capped at MaxBackoff, with +/- JitterFrac spread so a batch
// of tasks failing together does not retry in lockstep.
func computeBackoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(cfg.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	delta := float64(d) * cfg.JitterFrac
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
